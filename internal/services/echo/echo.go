// Package echo is a demo service. Each line a client sends is written back
// prefixed with the id of the worker that served it, which makes routing
// stickiness visible from the client side.
package echo

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/sourcegraph/conc"

	"github.com/stickypool/stickypool/internal/worker"
)

// Name is the entry point name to use in the config file.
const Name = "echo"

// Serve is the echo entry point. It accepts on every sticky endpoint of the
// service and returns once all acceptors are closed by the drain.
func Serve(ctx context.Context, rt *worker.Runtime) error {
	endpoints := rt.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("echo needs at least one sticky endpoint")
	}

	listeners := make([]net.Listener, 0, len(endpoints))
	for _, id := range endpoints {
		l, err := rt.Accept(id)
		if err != nil {
			return err
		}
		listeners = append(listeners, l)
	}
	rt.Log().Info("echo serving", endpoints)

	var wg conc.WaitGroup
	for _, l := range listeners {
		wg.Go(func() { acceptLoop(ctx, rt, l) })
	}
	wg.Wait()
	return nil
}

func acceptLoop(ctx context.Context, rt *worker.Runtime, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		rt.Go(func() { handle(ctx, rt, conn) })
	}
}

func handle(ctx context.Context, rt *worker.Runtime, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	rt.Log().Logf("debug", "connection from %s", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, err := fmt.Fprintf(conn, "worker %d: %s\n", rt.WorkerID(), scanner.Text()); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
