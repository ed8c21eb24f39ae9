// Package channel starts workers as re-executions of the current binary and
// connects each one to the master over a socketpair.
package channel

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/internal/supervisor"
	"github.com/stickypool/stickypool/pkg/utils"
)

// readerGrace bounds how long exit delivery waits for the message reader once
// the process is gone.
const readerGrace = time.Second

// ExecConfig configures an ExecLauncher.
type ExecConfig struct {
	// Path defaults to the running executable.
	Path string
	// Args defaults to ["worker"].
	Args []string
	// Silent discards worker stdout and stderr.
	Silent bool
	Stdout io.Writer
	Stderr io.Writer
	Logger *utils.StructuredLogger
}

// ExecLauncher implements supervisor.Launcher with os/exec.
type ExecLauncher struct {
	path   string
	args   []string
	stdout io.Writer
	stderr io.Writer
	logger *utils.StructuredLogger
}

var _ supervisor.Launcher = (*ExecLauncher)(nil)

// NewExecLauncher creates an ExecLauncher.
func NewExecLauncher(cfg ExecConfig) (*ExecLauncher, error) {
	if cfg.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cfg.Path = exe
	}
	if cfg.Args == nil {
		cfg.Args = []string{"worker"}
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}

	l := &ExecLauncher{
		path:   cfg.Path,
		args:   cfg.Args,
		logger: cfg.Logger.WithComponent("launcher"),
	}
	if !cfg.Silent {
		l.stdout, l.stderr = cfg.Stdout, cfg.Stderr
		if l.stdout == nil {
			l.stdout = os.Stdout
		}
		if l.stderr == nil {
			l.stderr = os.Stderr
		}
	}
	return l, nil
}

// Launch starts one worker. Messages and the final exit are reported to
// events from goroutines owned by the returned process.
func (l *ExecLauncher) Launch(ctx context.Context, spec supervisor.LaunchSpec, events supervisor.Events) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, childEnd, err := protocol.Pair()
	if err != nil {
		return nil, err
	}

	identity := WorkerEnv{
		Service:    spec.Service,
		EntryPoint: spec.EntryPoint,
		WorkerID:   spec.WorkerID,
		ChannelFD:  DefaultChannelFD,
	}

	cmd := exec.Command(l.path, l.args...)
	cmd.Env = append(append(os.Environ(), spec.Env...), identity.Environ()...)
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr

	if err := cmd.Start(); err != nil {
		_ = conn.Close()
		_ = childEnd.Close()
		return nil, fmt.Errorf("start worker %d: %w", spec.WorkerID, err)
	}
	_ = childEnd.Close()

	p := &execProcess{
		id:         spec.WorkerID,
		cmd:        cmd,
		conn:       conn,
		logger:     l.logger,
		readerDone: make(chan struct{}),
	}
	go p.read(events)
	go p.wait(events)

	return p, nil
}

type execProcess struct {
	id         int
	cmd        *exec.Cmd
	conn       *protocol.Conn
	logger     *utils.StructuredLogger
	readerDone chan struct{}
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Send(msg *protocol.Message, file *os.File) error {
	return p.conn.Send(msg, file)
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if stderr.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) read(events supervisor.Events) {
	defer close(p.readerDone)
	for {
		msg, file, err := p.conn.Receive()
		if err != nil {
			if stderr.Is(err, protocol.ErrMalformed) {
				p.logger.Warn("Dropping malformed worker message", map[string]interface{}{
					"worker_id": p.id,
					"error":     err.Error(),
				})
				continue
			}
			if err != io.EOF {
				p.logger.Debug("Worker channel closed", map[string]interface{}{
					"worker_id": p.id,
					"error":     err.Error(),
				})
			}
			return
		}
		if file != nil {
			_ = file.Close()
		}
		events.OnMessage(p.id, msg)
	}
}

func (p *execProcess) wait(events supervisor.Events) {
	_ = p.cmd.Wait()

	select {
	case <-p.readerDone:
	case <-time.After(readerGrace):
		_ = p.conn.Close()
		<-p.readerDone
	}
	_ = p.conn.Close()

	events.OnExit(p.id, exitStatus(p.cmd.ProcessState))
}

func exitStatus(state *os.ProcessState) supervisor.ExitStatus {
	if state == nil {
		return supervisor.ExitStatus{Code: -1}
	}
	status := supervisor.ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

// ConnectParent opens the worker's end of the channel.
func ConnectParent(env WorkerEnv) (*protocol.Conn, error) {
	return protocol.FromFD(env.ChannelFD)
}
