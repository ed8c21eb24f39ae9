package worker

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/stickypool/stickypool/internal/channel"
	"github.com/stickypool/stickypool/internal/logmux"
	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/internal/shutdown"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/memmon"
	"github.com/stickypool/stickypool/pkg/utils"
)

// Parent is the worker's end of the channel to the master.
type Parent interface {
	Send(msg *protocol.Message, file *os.File) error
	Receive() (*protocol.Message, *os.File, error)
	Close() error
}

// Options configures Run.
type Options struct {
	Env      channel.WorkerEnv
	Registry *Registry
	Parent   Parent

	// Logger is the worker's local logger, usually stderr.
	Logger *utils.StructuredLogger

	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	// Watchdog overrides, mainly for tests.
	SampleInterval time.Duration
	Sampler        memmon.Sampler

	// Signals installs SIGINT and SIGTERM handling.
	Signals bool
}

// Run runs the entry point named by opts.Env until the worker is stopped,
// the master goes away, or the worker faults. It returns the process exit
// code.
func Run(ctx context.Context, opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	env := opts.Env
	logger = logger.WithFields(map[string]interface{}{
		"worker_id": env.WorkerID,
		"service":   env.Service,
	})

	w := &workerProc{
		id:     env.WorkerID,
		parent: opts.Parent,
		logger: logger,
		faults: make(chan error, 1),
	}
	defer func() { _ = opts.Parent.Close() }()

	ep, ok := opts.Registry.Lookup(env.EntryPoint)
	if !ok {
		w.fault(errors.NewError(errors.ErrCodeInvalidConfig, "unknown entry point").
			WithComponent("worker").
			WithDetail("entry_point", env.EntryPoint), "")
		return 1
	}

	fwd := logmux.NewForwarder(env.WorkerID, opts.Parent, logger)
	rt := NewRuntime(ctx, RuntimeConfig{
		WorkerID: env.WorkerID,
		Service:  env.Service,
		Sticky:   env.Sticky,
		Log:      fwd,
		Logger:   logger,
		Fault:    w.fault,
	})

	coord := shutdown.New(shutdown.Config{
		PollInterval: opts.PollInterval,
		Timeout:      opts.ShutdownTimeout,
		Logger:       logger,
	})
	coord.Add("runtime", rt)
	if opts.Signals {
		coord.NotifySignals()
	}

	monCfg := memmon.DefaultMonitorConfig()
	monCfg.LimitBytes = env.MemoryLimit
	monCfg.Logger = logger
	monCfg.OnExceeded = func(_ memmon.MemorySample, err error) {
		w.fault(err, "")
	}
	if opts.SampleInterval > 0 {
		monCfg.SampleInterval = opts.SampleInterval
	}
	if opts.Sampler != nil {
		monCfg.Sampler = opts.Sampler
	}
	watchdog := memmon.NewMemoryMonitor(monCfg)
	if err := watchdog.Start(ctx); err != nil {
		logger.Warn("Memory watchdog not started", map[string]interface{}{"error": err.Error()})
	}
	defer func() {
		_ = watchdog.Stop()
		if env.MemoryLimit == 0 {
			return
		}
		stats := watchdog.GetStats()
		logger.Debug("Memory watchdog stopped", map[string]interface{}{
			"samples":  stats.SampleCount,
			"errors":   stats.ErrorCount,
			"peak":     utils.FormatBytes(int64(stats.PeakSample.Resident)),
			"limit":    utils.FormatBytes(int64(env.MemoryLimit)),
			"exceeded": stats.Exceeded,
		})
	}()

	if err := opts.Parent.Send(protocol.NewReady(env.WorkerID), nil); err != nil {
		logger.Error("Failed to report ready", map[string]interface{}{"error": err.Error()})
		return 1
	}

	rt.Go(func() {
		if err := ep(rt.Context(), rt); err != nil {
			w.fault(errors.Wrap(errors.ErrCodeUncaughtFault, err, "entry point failed").
				WithComponent("worker").
				WithDetail("entry_point", env.EntryPoint), "")
		}
	})

	go w.dispatch(rt, coord)

	select {
	case <-coord.Done():
		return coord.Wait()
	case <-w.faults:
		return 1
	}
}

// maxFaultStack keeps a fault report well inside one channel message.
const maxFaultStack = 16 << 10

type workerProc struct {
	id     int
	parent Parent
	logger *utils.StructuredLogger

	faultOnce sync.Once
	faults    chan error
}

// fault reports err to the master once and releases Run.
func (w *workerProc) fault(err error, stack string) {
	w.faultOnce.Do(func() {
		if len(stack) > maxFaultStack {
			stack = stack[:maxFaultStack]
		}
		w.logger.Error("Worker fault", map[string]interface{}{"error": err.Error()})
		if serr := w.parent.Send(protocol.NewFault(w.id, err, stack), nil); serr != nil {
			w.logger.Warn("Failed to report fault", map[string]interface{}{"error": serr.Error()})
		}
		w.faults <- err
	})
}

func (w *workerProc) dispatch(rt *Runtime, coord *shutdown.Coordinator) {
	for {
		msg, file, err := w.parent.Receive()
		if err != nil {
			if stderrors.Is(err, protocol.ErrMalformed) {
				w.logger.Warn("Dropping malformed message", map[string]interface{}{"error": err.Error()})
				continue
			}
			if err != io.EOF {
				w.logger.Warn("Channel read failed", map[string]interface{}{"error": err.Error()})
			}
			coord.Trigger(shutdown.ReasonParentGone, nil)
			return
		}

		switch msg.Kind {
		case protocol.KindConnectionHandoff:
			if file == nil {
				w.logger.Warn("Handoff without a connection", map[string]interface{}{"handoff_id": msg.HandoffID})
				continue
			}
			if err := rt.Deliver(msg.EndpointID, file); err != nil {
				w.logger.Warn("Handoff failed", map[string]interface{}{
					"handoff_id": msg.HandoffID,
					"error":      err.Error(),
				})
			}
		case protocol.KindStop:
			coord.Trigger(shutdown.ReasonStop, nil)
		default:
			if file != nil {
				_ = file.Close()
			}
			w.logger.Debug("Ignoring message", map[string]interface{}{"kind": string(msg.Kind)})
		}
	}
}

func closeAll(listeners []net.Listener) error {
	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	return err
}
