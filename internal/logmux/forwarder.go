package logmux

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/pkg/utils"
)

// Sender sends a message to the master.
type Sender interface {
	Send(msg *protocol.Message, file *os.File) error
}

// Forwarder is the worker's logger. Each call writes to the local logger and
// sends a record to the master. Delivery is best effort.
type Forwarder struct {
	workerID int
	sender   Sender
	local    *utils.StructuredLogger
	failures atomic.Int64
}

// NewForwarder creates a Forwarder. local may be nil.
func NewForwarder(workerID int, sender Sender, local *utils.StructuredLogger) *Forwarder {
	if local == nil {
		local = utils.NewNopLogger()
	}
	return &Forwarder{workerID: workerID, sender: sender, local: local}
}

// Log forwards an unleveled record. A leading level name still sets its
// severity at the master.
func (f *Forwarder) Log(args ...interface{}) { f.emit(LevelLog, args) }

// Debug forwards a debug record.
func (f *Forwarder) Debug(args ...interface{}) { f.emit("debug", args) }

// Info forwards an info record.
func (f *Forwarder) Info(args ...interface{}) { f.emit("info", args) }

// Notice forwards a notice record.
func (f *Forwarder) Notice(args ...interface{}) { f.emit("notice", args) }

// Warn forwards a warning record.
func (f *Forwarder) Warn(args ...interface{}) { f.emit("warn", args) }

// Error forwards an error record.
func (f *Forwarder) Error(args ...interface{}) { f.emit("error", args) }

// Logf forwards a formatted record at level.
func (f *Forwarder) Logf(level, format string, args ...interface{}) {
	f.emit(level, []interface{}{fmt.Sprintf(format, args...)})
}

// Failures returns the number of records the master never received.
func (f *Forwarder) Failures() int64 {
	return f.failures.Load()
}

func (f *Forwarder) emit(level string, args []interface{}) {
	localLevel := utils.INFO
	if lv, ok := levels[level]; ok {
		localLevel = lv
	}
	f.local.Log(localLevel, protocol.JoinArgs(args), nil)

	if f.sender == nil {
		return
	}
	if err := f.sender.Send(protocol.NewLog(f.workerID, level, args...), nil); err != nil {
		f.failures.Add(1)
	}
}
