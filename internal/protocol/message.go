// Package protocol defines the messages exchanged between the master and its
// workers and the socket that carries them.
//
// Each message is one JSON document in one SOCK_SEQPACKET packet. A handed-off
// connection travels next to its message as an SCM_RIGHTS file descriptor.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates messages.
type Kind string

const (
	// KindLog carries a leveled log record from a worker.
	KindLog Kind = "log"
	// KindConnectionHandoff carries an accepted connection to a worker.
	KindConnectionHandoff Kind = "connectionHandoff"
	// KindStop asks a worker to drain and exit.
	KindStop Kind = "stop"
	// KindReady confirms a worker has loaded its entry point.
	KindReady Kind = "ready"
	// KindFault reports an uncaught fault just before the worker exits.
	KindFault Kind = "fault"
)

// Message is the tagged variant sent over a worker channel. Fields that do not
// apply to a kind are left empty.
type Message struct {
	Kind       Kind          `json:"kind"`
	WorkerID   int           `json:"workerId,omitempty"`
	Level      string        `json:"level,omitempty"`
	Args       []interface{} `json:"args,omitempty"`
	Timestamp  time.Time     `json:"timestamp,omitempty"`
	EndpointID string        `json:"endpointId,omitempty"`
	HandoffID  string        `json:"handoffId,omitempty"`
}

// NewLog builds a log message.
func NewLog(workerID int, level string, args ...interface{}) *Message {
	return &Message{
		Kind:      KindLog,
		WorkerID:  workerID,
		Level:     level,
		Args:      args,
		Timestamp: time.Now(),
	}
}

// NewHandoff builds a connection handoff message. The connection itself is
// passed separately to Conn.Send.
func NewHandoff(endpointID, handoffID string) *Message {
	return &Message{
		Kind:       KindConnectionHandoff,
		EndpointID: endpointID,
		HandoffID:  handoffID,
		Timestamp:  time.Now(),
	}
}

// NewStop builds a stop request.
func NewStop() *Message {
	return &Message{Kind: KindStop, Timestamp: time.Now()}
}

// NewReady builds the activation confirmation.
func NewReady(workerID int) *Message {
	return &Message{Kind: KindReady, WorkerID: workerID, Timestamp: time.Now()}
}

// NewFault builds an uncaught fault report.
func NewFault(workerID int, err error, stack string) *Message {
	args := []interface{}{err.Error()}
	if stack != "" {
		args = append(args, stack)
	}
	return &Message{
		Kind:      KindFault,
		WorkerID:  workerID,
		Level:     "error",
		Args:      args,
		Timestamp: time.Now(),
	}
}

// Validate checks the fields required by the message kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindLog, KindFault:
		if m.WorkerID <= 0 {
			return fmt.Errorf("%s message without worker id", m.Kind)
		}
	case KindConnectionHandoff:
		if m.EndpointID == "" {
			return fmt.Errorf("handoff message without endpoint id")
		}
	case KindStop, KindReady:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Text joins the message arguments with spaces.
func (m *Message) Text() string {
	return JoinArgs(m.Args)
}

// JoinArgs renders arguments the way a console call would.
func JoinArgs(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}
