package protocol

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/stickypool/stickypool/pkg/errors"
)

// MaxMessageSize bounds one encoded message.
const MaxMessageSize = 64 << 10

// ErrMalformed marks a received packet that could not be decoded. The channel
// itself is still usable.
var ErrMalformed = stderr.New("malformed message")

// Conn is one end of a worker channel. Send and Receive may be called from
// different goroutines.
type Conn struct {
	uc *net.UnixConn
}

// Pair creates a connected channel. The returned file is the child's end and
// is meant for exec.Cmd.ExtraFiles; the caller closes it once the child has
// started.
func Pair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	parent, err := FromFile(os.NewFile(uintptr(fds[0]), "stickypool-master"))
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}

	return parent, os.NewFile(uintptr(fds[1]), "stickypool-worker"), nil
}

// FromFile wraps an inherited channel descriptor. f is closed; the returned
// Conn owns a duplicate.
func FromFile(f *os.File) (*Conn, error) {
	defer func() { _ = f.Close() }()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("channel from fd %d: %w", f.Fd(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("channel fd is %T, not a unix socket", c)
	}
	return &Conn{uc: uc}, nil
}

// FromFD wraps the channel descriptor a worker inherited from its master.
func FromFD(fd int) (*Conn, error) {
	return FromFile(os.NewFile(uintptr(fd), "stickypool-channel"))
}

// Send writes msg and, when file is non-nil, passes its descriptor along.
// The caller keeps ownership of file.
func (c *Conn) Send(msg *Message, file *os.File) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%s message is %d bytes, limit %d", msg.Kind, len(data), MaxMessageSize)
	}

	var oob []byte
	if file != nil {
		oob = unix.UnixRights(int(file.Fd()))
	}

	if _, _, err := c.uc.WriteMsgUnix(data, oob, nil); err != nil {
		if stderr.Is(err, net.ErrClosed) || stderr.Is(err, unix.EPIPE) {
			return errors.Wrap(errors.ErrCodeChannelClosed, err, "channel closed")
		}
		return fmt.Errorf("send %s message: %w", msg.Kind, err)
	}
	return nil
}

// Receive blocks for the next message. A descriptor passed with the message is
// returned as a file owned by the caller. io.EOF means the peer is gone.
func (c *Conn) Receive() (*Message, *os.File, error) {
	buf := make([]byte, MaxMessageSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, flags, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		if stderr.Is(err, net.ErrClosed) || stderr.Is(err, unix.ECONNRESET) {
			return nil, nil, io.EOF
		}
		return nil, nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, nil, io.EOF
	}

	file, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if flags&unix.MSG_TRUNC != 0 {
		closeFile(file)
		return nil, nil, fmt.Errorf("%w: truncated at %d bytes", ErrMalformed, n)
	}

	var msg Message
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		closeFile(file)
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, file, nil
}

// Close closes the channel, unblocking any pending Receive.
func (c *Conn) Close() error {
	return c.uc.Close()
}

func parseRights(oob []byte) (*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var file *os.File
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if file != nil {
				_ = unix.Close(fd)
				continue
			}
			unix.CloseOnExec(fd)
			file = os.NewFile(uintptr(fd), "handoff")
		}
	}
	return file, nil
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
