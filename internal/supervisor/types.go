package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stickypool/stickypool/internal/protocol"
)

// State is the lifecycle state of a worker entry.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a worker process ended. Signal is empty unless the
// process was killed by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("code %d", e.Code)
}

// LaunchSpec identifies the worker a Launcher must start.
type LaunchSpec struct {
	WorkerID   int
	Service    string
	EntryPoint string
	Env        []string
}

// Events receives everything a launched process reports. Messages from one
// process arrive in order and always before its exit.
type Events interface {
	OnMessage(workerID int, msg *protocol.Message)
	OnExit(workerID int, status ExitStatus)
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec, events Events) (Process, error)
}

// Process is a running worker as seen from the master.
type Process interface {
	Pid() int
	Send(msg *protocol.Message, file *os.File) error
	Signal(sig os.Signal) error
	Kill() error
}

// LogSink receives log and fault records forwarded by a service's workers.
type LogSink interface {
	Forward(msg *protocol.Message)
}

// Target is a worker picked for a connection handoff.
type Target interface {
	WorkerID() int
	Handoff(msg *protocol.Message, conn *os.File) error
}

// WorkerProcess is one pool entry. Its process handle is owned by the
// supervisor and never exposed.
type WorkerProcess struct {
	ID        int
	Service   string
	State     State
	Logger    LogSink
	Restarts  int
	StartedAt time.Time

	proc        Process
	pendingStop bool
}

// Pool is the ordered set of workers of one service. Entry order is the basis
// of hash routing.
type Pool struct {
	Service    string
	EntryPoint string
	Target     int
	Env        []string
	Logger     LogSink
	Workers    []*WorkerProcess
}

func (p *Pool) indexOf(wp *WorkerProcess) int {
	for i, w := range p.Workers {
		if w == wp {
			return i
		}
	}
	return -1
}

func (p *Pool) remove(wp *WorkerProcess) {
	if i := p.indexOf(wp); i >= 0 {
		p.Workers = append(p.Workers[:i], p.Workers[i+1:]...)
	}
}

// PoolSpec configures a pool. Target <= 0 selects DefaultTarget.
type PoolSpec struct {
	Service    string
	EntryPoint string
	Target     int
	Env        []string
	Logger     LogSink
}

// WorkerSnapshot is a read-only view of a pool entry.
type WorkerSnapshot struct {
	ID        int       `json:"id"`
	State     string    `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// PoolSnapshot is a read-only view of a pool.
type PoolSnapshot struct {
	Service    string           `json:"service"`
	EntryPoint string           `json:"entry_point"`
	Target     int              `json:"target"`
	Workers    []WorkerSnapshot `json:"workers"`
}

type handle struct {
	id   int
	proc Process
}

func (h handle) WorkerID() int { return h.id }

func (h handle) Handoff(msg *protocol.Message, conn *os.File) error {
	return h.proc.Send(msg, conn)
}
