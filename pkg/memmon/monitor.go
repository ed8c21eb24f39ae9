// Package memmon provides the worker memory watchdog: resident memory is
// sampled on a fixed interval and exceeding the configured limit faults the
// worker so that its supervisor replaces it.
package memmon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/utils"
)

// DefaultSampleInterval is how often resident memory is checked.
const DefaultSampleInterval = 3 * time.Second

// Sampler reports the resident set size of a process.
type Sampler interface {
	ResidentBytes() (uint64, error)
}

// ProcSampler reads resident memory from /proc through procfs.
type ProcSampler struct {
	PID int
}

// ResidentBytes implements Sampler.
func (s ProcSampler) ResidentBytes() (uint64, error) {
	pid := s.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, fmt.Errorf("open proc %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read proc stat %d: %w", pid, err)
	}
	return uint64(stat.ResidentMemory()), nil
}

// MonitorConfig configures the watchdog
type MonitorConfig struct {
	// SampleInterval is how often to sample resident memory
	SampleInterval time.Duration

	// LimitBytes is the resident memory limit; 0 disables the watchdog
	LimitBytes uint64

	// Sampler defaults to ProcSampler for the current process
	Sampler Sampler

	// OnExceeded is invoked once when the limit is exceeded. The worker
	// runtime wires this to its fault path, which does not return.
	OnExceeded func(sample MemorySample, err error)

	// Logger for watchdog events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns defaults with no limit set
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: DefaultSampleInterval,
		Sampler:        ProcSampler{},
	}
}

// MemorySample is one resident memory observation
type MemorySample struct {
	Timestamp time.Time
	Resident  uint64
	Limit     uint64
}

// MemoryStats summarizes the watchdog's observations
type MemoryStats struct {
	LastSample  MemorySample
	PeakSample  MemorySample
	SampleCount int
	ErrorCount  int
	Exceeded    bool
}

// MemoryMonitor is the watchdog
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu    sync.RWMutex
	stats MemoryStats

	tripped int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
	active  int32
}

// NewMemoryMonitor creates a new watchdog
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultSampleInterval
	}
	if config.Sampler == nil {
		config.Sampler = ProcSampler{}
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &MemoryMonitor{
		config: config,
		logger: config.Logger.WithComponent("memmon"),
		stopCh: make(chan struct{}),
	}
}

// Start begins sampling. It is a no-op when no limit is configured.
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if mm.config.LimitBytes == 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "memory watchdog already running")
	}

	mm.logger.Debug("Starting memory watchdog", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval,
		"limit":           utils.FormatBytes(int64(mm.config.LimitBytes)),
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops sampling
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	close(mm.stopCh)
	mm.wg.Wait()
	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			if mm.Check() {
				return
			}
		}
	}
}

// Check takes one sample and fires OnExceeded if the limit is exceeded.
// It reports whether the watchdog has tripped.
func (mm *MemoryMonitor) Check() bool {
	resident, err := mm.config.Sampler.ResidentBytes()
	if err != nil {
		mm.mu.Lock()
		mm.stats.ErrorCount++
		mm.mu.Unlock()
		mm.logger.Warn("Failed to sample resident memory", map[string]interface{}{"error": err.Error()})
		return false
	}

	sample := MemorySample{Timestamp: time.Now(), Resident: resident, Limit: mm.config.LimitBytes}

	mm.mu.Lock()
	mm.stats.LastSample = sample
	mm.stats.SampleCount++
	if sample.Resident > mm.stats.PeakSample.Resident {
		mm.stats.PeakSample = sample
	}
	exceeded := mm.config.LimitBytes > 0 && resident > mm.config.LimitBytes
	if exceeded {
		mm.stats.Exceeded = true
	}
	mm.mu.Unlock()

	if !exceeded || !atomic.CompareAndSwapInt32(&mm.tripped, 0, 1) {
		return exceeded
	}

	faultErr := errors.NewError(errors.ErrCodeMemoryLimitExceeded, fmt.Sprintf(
		"resident memory %s exceeds limit %s",
		utils.FormatBytes(int64(resident)), utils.FormatBytes(int64(mm.config.LimitBytes)),
	)).WithComponent("memmon").
		WithDetail("resident", resident).
		WithDetail("limit", mm.config.LimitBytes)

	mm.logger.Error("Memory limit exceeded", map[string]interface{}{
		"resident": resident,
		"limit":    mm.config.LimitBytes,
	})

	if mm.config.OnExceeded != nil {
		mm.config.OnExceeded(sample, faultErr)
	}
	return true
}

// GetStats returns current watchdog statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.stats
}
