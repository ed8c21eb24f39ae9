package logmux

import (
	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/internal/protocol"
)

// Multiplexer writes the records of one service's workers to its sink.
type Multiplexer struct {
	service string
	sink    *Sink
	metrics *metrics.Collector
}

// NewMultiplexer creates a Multiplexer for service.
func NewMultiplexer(service string, sink *Sink, collector *metrics.Collector) *Multiplexer {
	return &Multiplexer{service: service, sink: sink, metrics: collector}
}

// Forward writes a log or fault record. Other kinds are ignored.
func (m *Multiplexer) Forward(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindLog:
		level, text := Resolve(msg.WorkerID, msg.Level, msg.Args)
		m.sink.Write(level, text)
		m.metrics.LogRecord(m.service, level.Name())
	case protocol.KindFault:
		m.sink.Fault(joinTagged(msg.WorkerID, msg.Args))
		m.metrics.LogRecord(m.service, "fault")
	}
}
