package logmux

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/stickypool/stickypool/pkg/utils"
)

// SinkConfig configures a central sink.
type SinkConfig struct {
	// Name prefixes the log files: <Dir>/<Name>-<level>.log and
	// <Dir>/<Name>-exception.log.
	Name       string
	Dir        string
	Level      utils.LogLevel
	Format     utils.LogFormat
	RotateSize int64
	MaxBackups int
	Compress   bool

	// Console receives every entry as well. Defaults to stdout.
	Console io.Writer

	// OnRotate receives the path of each rotated file.
	OnRotate func(path string)
}

// Sink is a console plus size-rotated file destination, with a separate
// destination for faults.
type Sink struct {
	logger *utils.StructuredLogger
	fault  *utils.StructuredLogger
}

// NewSink opens the sink's log files.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	if cfg.RotateSize <= 0 {
		cfg.RotateSize = utils.DefaultRotateSize
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  cfg.Level,
		Output: cfg.Console,
		Format: cfg.Format,
		Rotation: &utils.RotationConfig{
			Filename:   filepath.Join(cfg.Dir, cfg.Name+"-"+cfg.Level.Name()+".log"),
			MaxSize:    cfg.RotateSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			OnRotate:   cfg.OnRotate,
		},
	})
	if err != nil {
		return nil, err
	}

	fault, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.TRACE,
		Output: cfg.Console,
		Format: cfg.Format,
		Rotation: &utils.RotationConfig{
			Filename:   filepath.Join(cfg.Dir, cfg.Name+"-exception.log"),
			MaxSize:    cfg.RotateSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
			OnRotate:   cfg.OnRotate,
		},
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Sink{logger: logger, fault: fault}, nil
}

// Logger returns the leveled logger, for the master's own output.
func (s *Sink) Logger() *utils.StructuredLogger {
	return s.logger
}

// Write records message at level.
func (s *Sink) Write(level utils.LogLevel, message string) {
	s.logger.Log(level, message, nil)
}

// Fault records an uncaught fault.
func (s *Sink) Fault(message string) {
	s.fault.Log(utils.ERROR, message, nil)
}

// Close flushes and closes both files.
func (s *Sink) Close() error {
	return multierr.Combine(
		s.logger.Sync(), s.logger.Close(),
		s.fault.Sync(), s.fault.Close(),
	)
}
