// Package router accepts connections on sticky endpoints and hands each one,
// unread, to the worker selected by the client address.
package router

import (
	stderr "errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/internal/supervisor"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/utils"
)

// Endpoint is a sticky listen specification bound to one service.
type Endpoint struct {
	ID      string
	Network string
	Address string
	Service string
}

// Picker selects the worker for a hash. The supervisor implements it.
type Picker interface {
	Select(service string, hash uint64) (supervisor.Target, error)
}

// Config configures a Router.
type Config struct {
	Picker  Picker
	Logger  *utils.StructuredLogger
	Metrics *metrics.Collector
}

// Router owns the sticky listeners of the master.
type Router struct {
	picker  Picker
	logger  *utils.StructuredLogger
	metrics *metrics.Collector

	mu        sync.Mutex
	listeners map[string]net.Listener
	draining  atomic.Bool
	wg        conc.WaitGroup
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Router{
		picker:    cfg.Picker,
		logger:    cfg.Logger.WithComponent("router"),
		metrics:   cfg.Metrics,
		listeners: make(map[string]net.Listener),
	}
}

// Listen binds every endpoint and starts one accept loop per endpoint. If any
// bind fails, the endpoints bound so far are closed again. Once BeginDrain
// has run, Listen binds nothing and returns SHUTDOWN_IN_PROGRESS.
func (r *Router) Listen(endpoints []Endpoint) error {
	if r.draining.Load() {
		return errDraining()
	}

	bound := make(map[string]net.Listener, len(endpoints))
	for _, ep := range endpoints {
		ln, err := listen(ep)
		if err != nil {
			for _, l := range bound {
				_ = l.Close()
			}
			return err
		}
		bound[ep.ID] = ln
	}

	// closeListeners takes r.mu after draining is set, so either it sees
	// these listeners or this check sees the drain.
	r.mu.Lock()
	if r.draining.Load() {
		r.mu.Unlock()
		for _, l := range bound {
			_ = l.Close()
		}
		return errDraining()
	}
	for id, ln := range bound {
		r.listeners[id] = ln
	}
	r.mu.Unlock()

	for _, ep := range endpoints {
		ep, ln := ep, bound[ep.ID]
		r.logger.Info("Listening on sticky endpoint", map[string]interface{}{
			"endpoint": ep.ID,
			"service":  ep.Service,
			"address":  ln.Addr().String(),
		})
		r.wg.Go(func() { r.acceptLoop(ep, ln) })
	}
	return nil
}

func errDraining() error {
	return errors.NewError(errors.ErrCodeShutdownInProgress, "router is draining").
		WithComponent("router").WithOperation("listen")
}

func listen(ep Endpoint) (net.Listener, error) {
	if ep.Network == "unix" {
		if info, err := os.Lstat(ep.Address); err == nil && info.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(ep.Address)
		}
	}
	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRoutingFailed, err, fmt.Sprintf("listen on %s", ep.ID)).
			WithComponent("router").WithOperation("listen")
	}
	return ln, nil
}

// Addr returns the bound address of an endpoint, or nil.
func (r *Router) Addr(endpointID string) net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ln, ok := r.listeners[endpointID]; ok {
		return ln.Addr()
	}
	return nil
}

func (r *Router) acceptLoop(ep Endpoint, ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.draining.Load() || stderr.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			r.logger.Warn("Accept failed", map[string]interface{}{
				"endpoint": ep.ID,
				"error":    err.Error(),
				"retry_in": delay.String(),
			})
			time.Sleep(delay)
			continue
		}
		delay = 0
		r.Dispatch(ep, conn)
	}
}

// Dispatch hands conn to the selected worker. The router's copy of the
// connection is always closed; on any failure the client just sees the
// connection close.
func (r *Router) Dispatch(ep Endpoint, conn net.Conn) {
	start := time.Now()
	defer func() { _ = conn.Close() }()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	target, err := r.picker.Select(ep.Service, StableHash(remote))
	if err != nil {
		r.drop(ep, remote, "no_worker", err)
		return
	}

	file, err := fileOf(conn)
	if err != nil {
		r.drop(ep, remote, "dup_failed", errors.Wrap(errors.ErrCodeHandoffFailed, err, "duplicate connection"))
		return
	}
	defer func() { _ = file.Close() }()

	msg := protocol.NewHandoff(ep.ID, uuid.NewString())
	if err := target.Handoff(msg, file); err != nil {
		r.drop(ep, remote, "handoff_failed", errors.Wrap(errors.ErrCodeHandoffFailed, err,
			fmt.Sprintf("handoff to worker %d", target.WorkerID())))
		return
	}

	r.metrics.ConnectionRouted(ep.ID, time.Since(start))
	r.logger.Trace("Connection handed off", map[string]interface{}{
		"endpoint":   ep.ID,
		"remote":     remote,
		"worker_id":  target.WorkerID(),
		"handoff_id": msg.HandoffID,
	})
}

func (r *Router) drop(ep Endpoint, remote, reason string, err error) {
	r.metrics.ConnectionDropped(ep.ID, reason)
	r.logger.Error("Dropping connection", map[string]interface{}{
		"endpoint": ep.ID,
		"service":  ep.Service,
		"remote":   remote,
		"reason":   reason,
		"error":    err.Error(),
	})
}

type filer interface {
	File() (*os.File, error)
}

func fileOf(conn net.Conn) (*os.File, error) {
	f, ok := conn.(filer)
	if !ok {
		return nil, fmt.Errorf("connection type %T cannot be handed off", conn)
	}
	return f.File()
}

// BeginDrain closes every listener so no new connection is accepted.
func (r *Router) BeginDrain() error {
	if !r.draining.CompareAndSwap(false, true) {
		return nil
	}
	n, err := r.closeListeners()
	r.logger.Info("Sticky listeners closed", map[string]interface{}{"count": n})
	return err
}

// Remaining returns the number of open listeners.
func (r *Router) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// ForceStop closes any listener still open.
func (r *Router) ForceStop() error {
	r.draining.Store(true)
	_, err := r.closeListeners()
	return err
}

func (r *Router) closeListeners() (int, error) {
	r.mu.Lock()
	listeners := r.listeners
	r.listeners = make(map[string]net.Listener)
	r.mu.Unlock()

	var err error
	for _, ln := range listeners {
		err = multierr.Append(err, ln.Close())
	}
	return len(listeners), err
}

// Wait blocks until every accept loop has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}
