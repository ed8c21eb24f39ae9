// Package app assembles the master and worker processes from their parts.
package app

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/stickypool/stickypool/internal/archive"
	"github.com/stickypool/stickypool/internal/channel"
	"github.com/stickypool/stickypool/internal/config"
	"github.com/stickypool/stickypool/internal/logmux"
	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/internal/router"
	"github.com/stickypool/stickypool/internal/shutdown"
	"github.com/stickypool/stickypool/internal/supervisor"
	"github.com/stickypool/stickypool/internal/worker"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/utils"
)

// MasterName prefixes the master's own log files.
const MasterName = "stickypool"

const closeTimeout = 10 * time.Second

// MasterOptions overrides parts of the master, mainly for tests.
type MasterOptions struct {
	// Launcher defaults to re-executing the current binary.
	Launcher supervisor.Launcher
	// Console receives log output alongside the files. Defaults to stdout.
	Console io.Writer
	// Signals installs SIGINT and SIGTERM handling.
	Signals bool
}

// Master is an assembled master process.
type Master struct {
	cfg       *config.Configuration
	logger    *utils.StructuredLogger
	sink      *logmux.Sink
	sinks     map[string]*logmux.Sink
	collector *metrics.Collector
	archiver  atomic.Pointer[archive.Archiver]
	sup       *supervisor.Supervisor
	router    *router.Router
	coord     *shutdown.Coordinator
	endpoints []router.Endpoint
	signals   bool
}

// NewMaster builds a master for cfg. Every entry point the config names must
// be in registry.
func NewMaster(ctx context.Context, cfg *config.Configuration, registry *worker.Registry, opts MasterOptions) (_ *Master, err error) {
	for _, name := range cfg.ServiceNames() {
		ep := cfg.Services[name].EntryPoint
		if _, ok := registry.Lookup(ep); !ok {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown entry point").
				WithComponent("app").
				WithDetail("service", name).
				WithDetail("entry_point", ep)
		}
	}

	rotateSize, err := cfg.RotateSizeBytes()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid rotate_size").WithComponent("app")
	}
	format := utils.ParseLogFormat(cfg.Global.LogFormat)

	m := &Master{
		cfg:     cfg,
		sinks:   make(map[string]*logmux.Sink),
		signals: opts.Signals,
	}
	defer func() {
		if err == nil {
			return
		}
		if a := m.archiver.Load(); a != nil {
			_ = a.Close(ctx)
		}
		_ = m.closeSinks()
	}()

	newSink := func(name, dir, level string) (*logmux.Sink, error) {
		lv, perr := utils.ParseLogLevel(level)
		if perr != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, perr, "invalid log level").
				WithComponent("app").
				WithDetail("sink", name)
		}
		return logmux.NewSink(logmux.SinkConfig{
			Name:       name,
			Dir:        dir,
			Level:      lv,
			Format:     format,
			RotateSize: rotateSize,
			Compress:   cfg.Global.CompressLogs,
			Console:    opts.Console,
			OnRotate:   m.onRotate(name),
		})
	}

	m.sink, err = newSink(MasterName, cfg.Global.LogPath, cfg.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	m.logger = m.sink.Logger()

	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		sink, serr := newSink(name, svc.LogPath, svc.LogLevel)
		if serr != nil {
			return nil, serr
		}
		m.sinks[name] = sink
	}

	m.collector, err = metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Global.Metrics.Enabled,
		Address: cfg.Global.Metrics.Address,
		Path:    cfg.Global.Metrics.Path,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Global.Archive.Enabled {
		a, aerr := archive.New(ctx, cfg.Global.Archive, archive.Options{
			Logger:  m.logger,
			Metrics: m.collector,
		})
		if aerr != nil {
			return nil, aerr
		}
		m.archiver.Store(a)
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher, err = channel.NewExecLauncher(channel.ExecConfig{
			Silent: cfg.Global.SilentWorkers,
			Logger: m.logger,
		})
		if err != nil {
			return nil, err
		}
	}

	m.coord = shutdown.New(shutdown.Config{
		PollInterval: cfg.Global.Shutdown.PollInterval,
		Timeout:      cfg.Global.Shutdown.Timeout,
		Logger:       m.logger,
		Metrics:      m.collector,
	})

	m.sup = supervisor.New(supervisor.Config{
		Launcher: launcher,
		Retry:    cfg.Global.SpawnRetry.RetryConfig(),
		Logger:   m.logger,
		Metrics:  m.collector,
		OnFatal: func(err error) {
			m.coord.Trigger(shutdown.ReasonFault, err)
		},
	})

	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		limit, lerr := svc.MemoryLimitBytes()
		if lerr != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, lerr, "invalid memory_limit").
				WithComponent("app").
				WithDetail("service", name)
		}

		m.sup.AddPool(supervisor.PoolSpec{
			Service:    name,
			EntryPoint: svc.EntryPoint,
			Target:     svc.Workers,
			Env: channel.WorkerEnv{
				Service:     name,
				EntryPoint:  svc.EntryPoint,
				Sticky:      svc.EndpointIDs(),
				MemoryLimit: limit,
				LogLevel:    svc.LogLevel,
			}.Environ(),
			Logger: logmux.NewMultiplexer(name, m.sinks[name], m.collector),
		})

		for _, st := range svc.Sticky {
			m.endpoints = append(m.endpoints, router.Endpoint{
				ID:      st.EndpointID(),
				Network: st.Network(),
				Address: st.Address(),
				Service: name,
			})
		}
	}

	m.router = router.New(router.Config{
		Picker:  m.sup,
		Logger:  m.logger,
		Metrics: m.collector,
	})

	m.coord.Add("router", m.router)
	m.coord.Add("supervisor", m.sup)

	m.collector.RegisterDebug("workers", func() interface{} { return m.sup.Snapshot() })
	return m, nil
}

func (m *Master) onRotate(service string) func(string) {
	return func(path string) {
		if a := m.archiver.Load(); a != nil {
			a.Enqueue(service, path)
		}
	}
}

// Supervisor returns the worker pool supervisor.
func (m *Master) Supervisor() *supervisor.Supervisor { return m.sup }

// Router returns the sticky router.
func (m *Master) Router() *router.Router { return m.router }

// Shutdown starts a clean drain, as a stop request would.
func (m *Master) Shutdown() bool {
	return m.coord.Trigger(shutdown.ReasonStop, nil)
}

// Run spawns the pools, binds the sticky endpoints and blocks until the
// drain finishes. It returns the process exit code.
func (m *Master) Run(ctx context.Context) int {
	if err := m.collector.Start(ctx); err != nil {
		m.logger.Warn("Metrics server not started", map[string]interface{}{"error": err.Error()})
	}
	if m.signals {
		m.coord.NotifySignals()
	}

	m.logger.Info("Starting master", map[string]interface{}{
		"pid":       os.Getpid(),
		"services":  len(m.cfg.Services),
		"endpoints": len(m.endpoints),
	})

	if err := m.sup.Start(ctx); err != nil {
		m.coord.Trigger(shutdown.ReasonFault, err)
	} else if m.coord.Triggered() {
		m.logger.Info("Shutdown requested during startup, sticky endpoints not bound")
	} else if err := m.router.Listen(m.endpoints); err != nil && !errors.HasCode(err, errors.ErrCodeShutdownInProgress) {
		m.coord.Trigger(shutdown.ReasonFault, err)
	}

	code := m.coord.Wait()
	m.router.Wait()
	m.sup.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := m.collector.Stop(closeCtx); err != nil {
		m.logger.Warn("Metrics server stop failed", map[string]interface{}{"error": err.Error()})
	}
	if a := m.archiver.Load(); a != nil {
		if err := a.Close(closeCtx); err != nil {
			m.logger.Warn("Archive queue not flushed", map[string]interface{}{"error": err.Error()})
		}
	}

	m.logger.Info("Master exiting", map[string]interface{}{"exit_code": code})
	if err := m.closeSinks(); err != nil {
		_, _ = io.WriteString(os.Stderr, "failed to close logs: "+err.Error()+"\n")
	}
	return code
}

func (m *Master) closeSinks() error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.Close())
	}
	if m.sink != nil {
		err = multierr.Append(err, m.sink.Close())
	}
	return err
}

// RunMaster runs cfg with the default launcher and signal handling.
func RunMaster(ctx context.Context, cfg *config.Configuration, registry *worker.Registry) int {
	m, err := NewMaster(ctx, cfg, registry, MasterOptions{Signals: true})
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "stickypool: "+err.Error()+"\n")
		return 1
	}
	return m.Run(ctx)
}
