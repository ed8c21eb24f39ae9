package echo

import (
	"bufio"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stickypool/stickypool/internal/worker"
)

func handedOff(t *testing.T) (*os.File, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server, err := ln.Accept()
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	f, err := server.(*net.TCPConn).File()
	require.NoError(t, err)
	return f, client
}

func TestServe_EchoesWithWorkerID(t *testing.T) {
	rt := worker.NewRuntime(context.Background(), worker.RuntimeConfig{
		WorkerID: 7,
		Service:  "web",
		Sticky:   []string{"7000", "7001"},
	})

	done := make(chan error, 1)
	go func() { done <- Serve(rt.Context(), rt) }()

	f, client := handedOff(t)
	require.NoError(t, rt.Deliver("7001", f))

	_, err := client.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "worker 7: hi\n", line)

	require.NoError(t, client.Close())
	require.NoError(t, rt.BeginDrain())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("echo did not return after drain")
	}
	assert.Eventually(t, func() bool { return rt.Remaining() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServe_RequiresEndpoint(t *testing.T) {
	rt := worker.NewRuntime(context.Background(), worker.RuntimeConfig{WorkerID: 1})
	assert.Error(t, Serve(context.Background(), rt))
}
