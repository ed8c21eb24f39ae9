// Package worker is the service side of a worker process. Entry points get a
// Runtime through which they accept handed-off connections, bind ordinary
// listeners and log to the master.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"

	"github.com/stickypool/stickypool/internal/logmux"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/utils"
)

// Runtime is the capability an entry point uses in place of binding sticky
// sockets itself. It is also the worker's drainer.
type Runtime struct {
	workerID int
	service  string
	log      *logmux.Forwarder
	logger   *utils.StructuredLogger
	fault    func(err error, stack string)

	ctx    context.Context
	cancel context.CancelFunc

	endpoints []string
	listen    func(network, address string) (net.Listener, error)

	mu        sync.Mutex
	acceptors map[string]*logicalListener
	claimed   map[string]bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	draining  bool
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	WorkerID int
	Service  string
	Sticky   []string
	Log      *logmux.Forwarder
	Logger   *utils.StructuredLogger

	// Fault is called for errors the worker cannot survive.
	Fault func(err error, stack string)
}

// NewRuntime creates a Runtime with one acceptor per sticky endpoint.
// Connections handed off before the entry point calls Accept are queued.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	if cfg.Log == nil {
		cfg.Log = logmux.NewForwarder(cfg.WorkerID, nil, cfg.Logger)
	}
	if cfg.Fault == nil {
		cfg.Fault = func(error, string) {}
	}

	rt := &Runtime{
		workerID:  cfg.WorkerID,
		service:   cfg.Service,
		log:       cfg.Log,
		logger:    cfg.Logger.WithComponent("runtime"),
		fault:     cfg.Fault,
		acceptors: make(map[string]*logicalListener),
		claimed:   make(map[string]bool),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
		listen:    net.Listen,
	}
	rt.ctx, rt.cancel = context.WithCancel(ctx)

	for _, id := range cfg.Sticky {
		if _, dup := rt.acceptors[id]; dup {
			continue
		}
		rt.endpoints = append(rt.endpoints, id)
		var l *logicalListener
		l = newLogicalListener(id, func() { rt.untrackListener(l) })
		rt.acceptors[id] = l
		rt.listeners[l] = struct{}{}
	}
	return rt
}

// WorkerID returns the worker's id.
func (rt *Runtime) WorkerID() int { return rt.workerID }

// Service returns the service name.
func (rt *Runtime) Service() string { return rt.service }

// Log returns the logger that forwards to the master.
func (rt *Runtime) Log() *logmux.Forwarder { return rt.log }

// Endpoints returns the service's sticky endpoint ids in configured order.
func (rt *Runtime) Endpoints() []string {
	return append([]string(nil), rt.endpoints...)
}

// Context is canceled when the worker starts draining.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Accept returns the listener fed by handoffs for endpointID. Each endpoint
// can be claimed once.
func (rt *Runtime) Accept(endpointID string) (net.Listener, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	l, ok := rt.acceptors[endpointID]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeRoutingFailed, "not a sticky endpoint of this service").
			WithComponent("runtime").
			WithDetail("endpoint", endpointID)
	}
	if rt.claimed[endpointID] {
		return nil, errors.NewError(errors.ErrCodeAlreadyStarted, "endpoint already accepted").
			WithComponent("runtime").
			WithDetail("endpoint", endpointID)
	}
	rt.claimed[endpointID] = true
	return l, nil
}

// Listen binds an ordinary listener that the drain waits for. An address
// that names one of the service's sticky endpoints yields its acceptor
// instead; sticky sockets are only ever bound by the master.
func (rt *Runtime) Listen(network, address string) (net.Listener, error) {
	rt.mu.Lock()
	_, sticky := rt.acceptors[address]
	draining := rt.draining
	rt.mu.Unlock()

	if sticky {
		return rt.Accept(address)
	}
	if draining {
		return nil, errDraining()
	}

	inner, err := rt.listen(network, address)
	if err != nil {
		return nil, err
	}
	var l *trackedListener
	l = &trackedListener{Listener: inner, onClose: func() { rt.untrackListener(l) }}

	// BeginDrain may have swept the listeners while this one was binding.
	rt.mu.Lock()
	if rt.draining {
		rt.mu.Unlock()
		_ = inner.Close()
		return nil, errDraining()
	}
	rt.listeners[l] = struct{}{}
	rt.mu.Unlock()
	return l, nil
}

func errDraining() error {
	return errors.NewError(errors.ErrCodeShutdownInProgress, "worker is draining").
		WithComponent("runtime")
}

// Go runs fn on its own goroutine. A panic in fn faults the worker.
func (rt *Runtime) Go(fn func()) {
	go func() {
		defer rt.recoverFault()
		fn()
	}()
}

func (rt *Runtime) recoverFault() {
	if r := recover(); r != nil {
		rt.fault(panicError(r), string(debug.Stack()))
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(errors.ErrCodeUncaughtFault, err, "panic")
	}
	return errors.NewError(errors.ErrCodeUncaughtFault, fmt.Sprintf("panic: %v", r))
}

// Deliver hands a connection received from the master to its endpoint's
// acceptor. Connections for endpoints this worker does not serve are closed.
func (rt *Runtime) Deliver(endpointID string, file *os.File) error {
	conn, err := net.FileConn(file)
	_ = file.Close()
	if err != nil {
		return errors.Wrap(errors.ErrCodeHandoffFailed, err, "failed to adopt connection").
			WithComponent("runtime").
			WithDetail("endpoint", endpointID)
	}

	rt.mu.Lock()
	l, ok := rt.acceptors[endpointID]
	rt.mu.Unlock()
	if !ok {
		rt.logger.Debug("Ignoring handoff for unknown endpoint", map[string]interface{}{"endpoint": endpointID})
		_ = conn.Close()
		return nil
	}

	tc := rt.track(conn)
	l.deliver(tc)
	return nil
}

func (rt *Runtime) track(conn net.Conn) net.Conn {
	var tc *trackedConn
	tc = &trackedConn{Conn: conn, onClose: func() {
		rt.mu.Lock()
		delete(rt.conns, tc)
		rt.mu.Unlock()
	}}

	rt.mu.Lock()
	rt.conns[tc] = struct{}{}
	rt.mu.Unlock()
	return tc
}

func (rt *Runtime) untrackListener(l net.Listener) {
	rt.mu.Lock()
	delete(rt.listeners, l)
	rt.mu.Unlock()
}

// BeginDrain cancels the entry point's context and closes every listener.
// Open connections are left to finish.
func (rt *Runtime) BeginDrain() error {
	rt.mu.Lock()
	if rt.draining {
		rt.mu.Unlock()
		return nil
	}
	rt.draining = true
	listeners := make([]net.Listener, 0, len(rt.listeners))
	for l := range rt.listeners {
		listeners = append(listeners, l)
	}
	rt.mu.Unlock()

	rt.cancel()
	return closeAll(listeners)
}

// Remaining counts open listeners and tracked connections.
func (rt *Runtime) Remaining() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.listeners) + len(rt.conns)
}

// ForceStop closes everything still open.
func (rt *Runtime) ForceStop() error {
	rt.mu.Lock()
	rt.draining = true
	listeners := make([]net.Listener, 0, len(rt.listeners))
	for l := range rt.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]net.Conn, 0, len(rt.conns))
	for c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()

	rt.cancel()
	err := closeAll(listeners)
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}
