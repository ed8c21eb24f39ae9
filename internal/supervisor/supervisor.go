// Package supervisor keeps worker pools at their target size. Crashed workers
// are replaced in place so that hash routing keeps its positions; workers the
// supervisor asked to stop are removed for good.
package supervisor

import (
	"context"
	stderr "errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/retry"
	"github.com/stickypool/stickypool/pkg/utils"
)

// DefaultTarget is the pool size used when none is configured.
func DefaultTarget() int {
	if n := runtime.NumCPU(); n > 2 {
		return n
	}
	return 2
}

// DefaultStableAfter is how long a worker must stay Running before its crash
// counts as a first crash again.
const DefaultStableAfter = 10 * time.Second

// Config configures a Supervisor.
type Config struct {
	Launcher Launcher
	Retry    retry.Config
	Logger   *utils.StructuredLogger
	Metrics  *metrics.Collector

	// OnFatal is called when a replacement worker cannot be spawned.
	OnFatal func(err error)

	// StableAfter resets the restart backoff of a worker that ran this long.
	StableAfter time.Duration
}

// Supervisor owns every pool and every worker entry.
type Supervisor struct {
	mu       sync.RWMutex
	pools    map[string]*Pool
	order    []string
	byID     map[int]*WorkerProcess
	nextID   int
	draining bool
	drained  chan struct{}
	ctx      context.Context

	launcher    Launcher
	retry       retry.Config
	stableAfter time.Duration
	logger      *utils.StructuredLogger
	metrics  *metrics.Collector
	onFatal  func(err error)

	wg sync.WaitGroup
}

var _ Events = (*Supervisor)(nil)

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if len(cfg.Retry.RetryableErrors) == 0 {
		cfg.Retry.RetryableErrors = []errors.ErrorCode{errors.ErrCodeSpawnFailed}
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}

	s := &Supervisor{
		pools:    make(map[string]*Pool),
		byID:        make(map[int]*WorkerProcess),
		drained:     make(chan struct{}),
		ctx:         context.Background(),
		launcher:    cfg.Launcher,
		stableAfter: cfg.StableAfter,
		logger:      cfg.Logger.WithComponent("supervisor"),
		metrics:     cfg.Metrics,
		onFatal:     cfg.OnFatal,
	}

	s.retry = cfg.Retry
	s.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("Worker spawn failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}

	return s
}

// AddPool registers a service pool.
func (s *Supervisor) AddPool(spec PoolSpec) *Pool {
	target := spec.Target
	if target <= 0 {
		target = DefaultTarget()
	}

	p := &Pool{
		Service:    spec.Service,
		EntryPoint: spec.EntryPoint,
		Target:     target,
		Env:        spec.Env,
		Logger:     spec.Logger,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[spec.Service]; !exists {
		s.order = append(s.order, spec.Service)
	}
	s.pools[spec.Service] = p
	return p
}

// Start spawns every pool up to its target. The context bounds initial and
// replacement spawns; it does not control the lifetime of the workers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	type job struct {
		service string
		count   int
	}
	var jobs []job
	for _, name := range s.order {
		p := s.pools[name]
		jobs = append(jobs, job{name, p.Target - len(p.Workers)})
	}
	s.mu.Unlock()

	spawns := pool.New().WithErrors()
	for _, j := range jobs {
		for i := 0; i < j.count; i++ {
			service := j.service
			spawns.Go(func() error {
				_, err := s.Spawn(ctx, service)
				return err
			})
		}
	}
	return spawns.Wait()
}

// Spawn appends a Starting entry to the service pool and launches its
// process, retrying with backoff. The entry becomes Running on the worker's
// ready message.
func (s *Supervisor) Spawn(ctx context.Context, service string) (*WorkerProcess, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "pool is draining").
			WithComponent("supervisor").WithOperation("spawn")
	}
	p, ok := s.pools[service]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeSpawnFailed, fmt.Sprintf("unknown service %q", service)).
			WithComponent("supervisor").WithOperation("spawn")
	}
	wp := s.newEntryLocked(p, 0)
	p.Workers = append(p.Workers, wp)
	s.mu.Unlock()

	if err := s.launch(ctx, p, wp); err != nil {
		return nil, err
	}
	return wp, nil
}

// newEntryLocked must be called with s.mu held.
func (s *Supervisor) newEntryLocked(p *Pool, restarts int) *WorkerProcess {
	s.nextID++
	wp := &WorkerProcess{
		ID:       s.nextID,
		Service:  p.Service,
		State:    StateStarting,
		Logger:   p.Logger,
		Restarts: restarts,
	}
	s.byID[wp.ID] = wp
	return wp
}

var errDrainStarted = stderr.New("drain started before launch")

func (s *Supervisor) launch(ctx context.Context, p *Pool, wp *WorkerProcess) error {
	spec := LaunchSpec{
		WorkerID:   wp.ID,
		Service:    p.Service,
		EntryPoint: p.EntryPoint,
		Env:        p.Env,
	}

	var proc Process
	err := retry.New(s.retry).DoWithContext(ctx, func(ctx context.Context) error {
		if s.isDraining() {
			return errDrainStarted
		}
		var err error
		proc, err = s.launcher.Launch(ctx, spec, s)
		if err != nil {
			s.metrics.SpawnFailed(p.Service)
			return errors.Wrap(errors.ErrCodeSpawnFailed, err, "launch failed").
				WithComponent("supervisor").
				WithDetail("service", p.Service).
				WithDetail("worker_id", wp.ID)
		}
		return nil
	})

	if err != nil {
		s.mu.Lock()
		p.remove(wp)
		delete(s.byID, wp.ID)
		size := len(p.Workers)
		s.mu.Unlock()
		s.metrics.SetPoolSize(p.Service, size)

		if stderr.Is(err, errDrainStarted) {
			return nil
		}
		return errors.Wrap(errors.ErrCodeSpawnExhausted, err, "worker spawn gave up").
			WithComponent("supervisor").
			WithDetail("service", p.Service)
	}

	s.mu.Lock()
	if s.byID[wp.ID] != wp {
		// already exited and handled by OnExit
		s.mu.Unlock()
		return nil
	}
	wp.proc = proc
	stop := wp.pendingStop
	size := len(p.Workers)
	s.mu.Unlock()

	s.metrics.WorkerSpawned(p.Service)
	s.metrics.SetPoolSize(p.Service, size)
	s.logger.Debug("Worker launched", map[string]interface{}{
		"service":   p.Service,
		"worker_id": wp.ID,
		"pid":       proc.Pid(),
	})

	if stop {
		s.requestStop(wp.ID, proc)
	}
	return nil
}

func (s *Supervisor) isDraining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// OnMessage dispatches a message from a worker.
func (s *Supervisor) OnMessage(workerID int, msg *protocol.Message) {
	s.mu.Lock()
	wp, ok := s.byID[workerID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("Message from unknown worker", map[string]interface{}{
			"worker_id": workerID,
			"kind":      string(msg.Kind),
		})
		return
	}
	if msg.Kind == protocol.KindReady && wp.State == StateStarting {
		wp.State = StateRunning
		wp.StartedAt = time.Now()
	}
	logger := wp.Logger
	service := wp.Service
	s.mu.Unlock()

	switch msg.Kind {
	case protocol.KindReady:
		s.logger.Info("Worker ready", map[string]interface{}{
			"service":   service,
			"worker_id": workerID,
		})
	case protocol.KindLog, protocol.KindFault:
		if msg.WorkerID == 0 {
			msg.WorkerID = workerID
		}
		if logger != nil {
			logger.Forward(msg)
		}
	default:
		s.logger.Debug("Ignoring worker message", map[string]interface{}{
			"worker_id": workerID,
			"kind":      string(msg.Kind),
		})
	}
}

// OnExit handles a worker exit. An exit the supervisor requested removes the
// entry; any other exit is a crash and the entry is replaced at the same
// index by a new worker with the same service and logger.
func (s *Supervisor) OnExit(workerID int, status ExitStatus) {
	s.mu.Lock()
	wp, ok := s.byID[workerID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("Exit from unknown worker", map[string]interface{}{"worker_id": workerID})
		return
	}
	delete(s.byID, workerID)
	wp.State = StateExited
	p := s.pools[wp.Service]

	if wp.pendingStop {
		p.remove(wp)
		size := len(p.Workers)
		s.mu.Unlock()

		s.metrics.WorkerExited(wp.Service, "planned")
		s.metrics.SetPoolSize(wp.Service, size)
		s.logger.Info("Worker stopped", map[string]interface{}{
			"service":   wp.Service,
			"worker_id": workerID,
			"status":    status.String(),
		})
		return
	}

	restarts := wp.Restarts + 1
	if !wp.StartedAt.IsZero() && time.Since(wp.StartedAt) >= s.stableAfter {
		restarts = 1
	}
	delay := s.restartDelay(restarts)

	idx := p.indexOf(wp)
	replacement := s.newEntryLocked(p, restarts)
	replacement.Logger = wp.Logger
	if idx >= 0 {
		p.Workers[idx] = replacement
	} else {
		p.Workers = append(p.Workers, replacement)
	}
	ctx := s.ctx
	s.mu.Unlock()

	crash := errors.NewError(errors.ErrCodeWorkerCrash, "worker exited unexpectedly").
		WithComponent("supervisor").
		WithDetail("status", status.String())
	s.metrics.WorkerExited(wp.Service, "crash")
	s.logger.Warn("Worker crashed, respawning", map[string]interface{}{
		"service":     wp.Service,
		"worker_id":   workerID,
		"replacement": replacement.ID,
		"index":       idx,
		"restarts":    restarts,
		"delay":       delay.String(),
		"error":       crash.Error(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.backoff(ctx, delay)
		if err := s.launch(ctx, p, replacement); err != nil {
			s.logger.Error("Replacement worker could not be spawned", map[string]interface{}{
				"service": p.Service,
				"error":   err.Error(),
			})
			if s.onFatal != nil {
				s.onFatal(err)
			}
		}
	}()
}

// restartDelay is zero for a first crash and grows with the spawn retry
// policy for a worker that keeps crashing.
func (s *Supervisor) restartDelay(restarts int) time.Duration {
	if restarts <= 1 {
		return 0
	}
	return retry.New(s.retry).Delay(restarts - 1)
}

// backoff waits for delay. A drain or a canceled context ends the wait early;
// launch then drops the entry.
func (s *Supervisor) backoff(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.drained:
	case <-ctx.Done():
	}
}

// Select picks the worker at hash mod pool length. It never mutates the pool.
func (s *Supervisor) Select(service string, hash uint64) (Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[service]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeRoutingFailed, fmt.Sprintf("unknown service %q", service)).
			WithComponent("supervisor").WithOperation("select")
	}
	if len(p.Workers) == 0 {
		return nil, errors.NewError(errors.ErrCodeRoutingFailed, "no workers in pool").
			WithComponent("supervisor").WithOperation("select").
			WithDetail("service", service)
	}

	wp := p.Workers[hash%uint64(len(p.Workers))]
	if wp.proc == nil {
		return nil, errors.NewError(errors.ErrCodeRoutingFailed, fmt.Sprintf("worker %d has not started", wp.ID)).
			WithComponent("supervisor").WithOperation("select").
			WithDetail("service", service)
	}
	return handle{id: wp.ID, proc: wp.proc}, nil
}

// BeginDrain marks every worker pending-stop and asks it to stop. No spawn
// happens afterwards.
func (s *Supervisor) BeginDrain() error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	close(s.drained)

	type stopReq struct {
		id   int
		proc Process
	}
	var reqs []stopReq
	for _, name := range s.order {
		for _, wp := range s.pools[name].Workers {
			wp.pendingStop = true
			wp.State = StateDraining
			if wp.proc != nil {
				reqs = append(reqs, stopReq{wp.ID, wp.proc})
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info("Draining worker pools", map[string]interface{}{"workers": len(reqs)})
	for _, r := range reqs {
		s.requestStop(r.id, r.proc)
	}
	return nil
}

func (s *Supervisor) requestStop(id int, proc Process) {
	err := proc.Send(protocol.NewStop(), nil)
	if err == nil {
		return
	}
	s.logger.Debug("Stop message failed, signaling", map[string]interface{}{
		"worker_id": id,
		"error":     err.Error(),
	})
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to signal worker", map[string]interface{}{
			"worker_id": id,
			"error":     err.Error(),
		})
	}
}

// Remaining returns the number of entries across all pools.
func (s *Supervisor) Remaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.pools {
		n += len(p.Workers)
	}
	return n
}

// ForceStop kills every remaining worker.
func (s *Supervisor) ForceStop() error {
	s.mu.RLock()
	var procs []Process
	for _, p := range s.pools {
		for _, wp := range p.Workers {
			if wp.proc != nil {
				procs = append(procs, wp.proc)
			}
		}
	}
	s.mu.RUnlock()

	var err error
	for _, proc := range procs {
		err = multierr.Append(err, proc.Kill())
	}
	return err
}

// Snapshot returns a copy of every pool.
func (s *Supervisor) Snapshot() []PoolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]PoolSnapshot, 0, len(s.order))
	for _, name := range s.order {
		p := s.pools[name]
		snap := PoolSnapshot{
			Service:    p.Service,
			EntryPoint: p.EntryPoint,
			Target:     p.Target,
			Workers:    make([]WorkerSnapshot, 0, len(p.Workers)),
		}
		for _, wp := range p.Workers {
			ws := WorkerSnapshot{
				ID:        wp.ID,
				State:     wp.State.String(),
				Restarts:  wp.Restarts,
				StartedAt: wp.StartedAt,
			}
			if wp.proc != nil {
				ws.Pid = wp.proc.Pid()
			}
			snap.Workers = append(snap.Workers, ws)
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// Wait blocks until in-flight replacement spawns have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
