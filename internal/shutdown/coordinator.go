// Package shutdown drains a process exactly once: it stops intake, waits for
// the pool or listener set to empty, and force-stops whatever is left after
// a bounded wait.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/utils"
)

// Reason names what triggered a shutdown.
type Reason string

const (
	ReasonSignal     Reason = "signal"
	ReasonStop       Reason = "stop"
	ReasonParentGone Reason = "parent_gone"
	ReasonFault      Reason = "fault"
)

// ExitCode returns the process exit code for a drain that finished in time.
func (r Reason) ExitCode() int {
	if r == ReasonFault {
		return 1
	}
	return 0
}

// Drainer is something the coordinator stops and waits for.
type Drainer interface {
	BeginDrain() error
	Remaining() int
	ForceStop() error
}

// Config configures a Coordinator.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *utils.StructuredLogger
	Metrics      *metrics.Collector
}

type namedDrainer struct {
	name string
	Drainer
}

// Coordinator runs the drain.
type Coordinator struct {
	pollInterval time.Duration
	timeout      time.Duration
	logger       *utils.StructuredLogger
	metrics      *metrics.Collector

	mu       sync.Mutex
	drainers []namedDrainer

	triggered  atomic.Bool
	notifyOnce sync.Once
	signals    chan os.Signal
	done       chan struct{}
	code       int
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Coordinator{
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger.WithComponent("shutdown"),
		metrics:      cfg.Metrics,
		done:         make(chan struct{}),
	}
}

// Add registers a drainer. Drainers begin draining in the order added.
func (c *Coordinator) Add(name string, d Drainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainers = append(c.drainers, namedDrainer{name: name, Drainer: d})
}

// NotifySignals triggers a shutdown on SIGINT or SIGTERM. Repeated calls
// register the handler only once.
func (c *Coordinator) NotifySignals() {
	c.notifyOnce.Do(func() {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		c.mu.Lock()
		c.signals = signals
		c.mu.Unlock()

		go func() {
			for {
				select {
				case sig := <-signals:
					if !c.Trigger(ReasonSignal, nil) {
						c.logger.Debug("Shutdown already in progress", map[string]interface{}{"signal": sig.String()})
					}
				case <-c.done:
					return
				}
			}
		}()
	})
}

// Trigger starts the drain. It reports false, and does nothing, when a drain
// has already been triggered.
func (c *Coordinator) Trigger(reason Reason, cause error) bool {
	if !c.triggered.CompareAndSwap(false, true) {
		return false
	}

	c.metrics.ShutdownTriggered(string(reason))
	fields := map[string]interface{}{"reason": string(reason)}
	if cause != nil {
		fields["error"] = cause.Error()
		c.logger.Error("Shutting down", fields)
	} else {
		c.logger.Info("Shutting down", fields)
	}

	go c.drain(reason.ExitCode())
	return true
}

// Triggered reports whether a drain has started.
func (c *Coordinator) Triggered() bool {
	return c.triggered.Load()
}

func (c *Coordinator) drain(code int) {
	c.mu.Lock()
	drainers := append([]namedDrainer(nil), c.drainers...)
	c.mu.Unlock()

	for _, d := range drainers {
		if err := d.BeginDrain(); err != nil {
			c.logger.Warn("Drain start reported errors", map[string]interface{}{
				"drainer": d.name,
				"error":   err.Error(),
			})
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	for {
		if remaining(drainers) == 0 {
			c.logger.Info("Drain complete", map[string]interface{}{"exit_code": code})
			c.finish(code)
			return
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			err := errors.NewError(errors.ErrCodeShutdownTimeout, "drain did not finish in time").
				WithComponent("shutdown").
				WithDetail("timeout", c.timeout.String()).
				WithDetail("remaining", remaining(drainers))
			c.logger.Error("Forcing stop", map[string]interface{}{"error": err.Error()})
			for _, d := range drainers {
				if ferr := d.ForceStop(); ferr != nil {
					c.logger.Warn("Force stop reported errors", map[string]interface{}{
						"drainer": d.name,
						"error":   ferr.Error(),
					})
				}
			}
			c.finish(1)
			return
		}
	}
}

func remaining(drainers []namedDrainer) int {
	n := 0
	for _, d := range drainers {
		n += d.Remaining()
	}
	return n
}

func (c *Coordinator) finish(code int) {
	c.mu.Lock()
	if c.signals != nil {
		signal.Stop(c.signals)
	}
	c.mu.Unlock()

	c.code = code
	close(c.done)
}

// Done is closed when the drain has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the drain has finished and returns the exit code.
func (c *Coordinator) Wait() int {
	<-c.done
	return c.code
}
