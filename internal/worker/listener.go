package worker

import (
	"net"
	"sync"
)

const acceptBacklog = 128

// logicalAddr is the address of a sticky acceptor: its endpoint id.
type logicalAddr string

func (a logicalAddr) Network() string { return "sticky" }
func (a logicalAddr) String() string  { return string(a) }

// logicalListener yields connections handed off by the master.
type logicalListener struct {
	endpoint string
	conns    chan net.Conn
	closed   chan struct{}
	once     sync.Once
	onClose  func()
}

func newLogicalListener(endpoint string, onClose func()) *logicalListener {
	return &logicalListener{
		endpoint: endpoint,
		conns:    make(chan net.Conn, acceptBacklog),
		closed:   make(chan struct{}),
		onClose:  onClose,
	}
}

func (l *logicalListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *logicalListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		for {
			select {
			case c := <-l.conns:
				_ = c.Close()
			default:
				l.onClose()
				return
			}
		}
	})
	return nil
}

func (l *logicalListener) Addr() net.Addr {
	return logicalAddr(l.endpoint)
}

// deliver queues c, or closes it if the listener is closed.
func (l *logicalListener) deliver(c net.Conn) bool {
	select {
	case <-l.closed:
		_ = c.Close()
		return false
	default:
	}
	select {
	case l.conns <- c:
		return true
	case <-l.closed:
		_ = c.Close()
		return false
	}
}

// trackedListener is an ordinary listener the drain waits for.
type trackedListener struct {
	net.Listener
	once    sync.Once
	onClose func()
}

func (l *trackedListener) Close() error {
	err := l.Listener.Close()
	l.once.Do(l.onClose)
	return err
}

// trackedConn is a handed-off connection the drain waits for.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
