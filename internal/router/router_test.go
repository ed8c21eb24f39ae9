package router

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/internal/supervisor"
	"github.com/stickypool/stickypool/pkg/errors"
)

type handoff struct {
	msg  *protocol.Message
	conn net.Conn
}

type fakeTarget struct {
	id       int
	err      error
	handoffs chan handoff
}

func (f *fakeTarget) WorkerID() int { return f.id }

func (f *fakeTarget) Handoff(msg *protocol.Message, file *os.File) error {
	if f.err != nil {
		return f.err
	}
	// mimic the receiving worker: it owns its own copy of the descriptor
	conn, err := net.FileConn(file)
	if err != nil {
		return err
	}
	f.handoffs <- handoff{msg: msg, conn: conn}
	return nil
}

type fakePicker struct {
	mu     sync.Mutex
	target *fakeTarget
	hashes []uint64
}

func (p *fakePicker) Select(service string, hash uint64) (supervisor.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashes = append(p.hashes, hash)
	if p.target == nil {
		return nil, errors.NewError(errors.ErrCodeRoutingFailed, "no workers in pool")
	}
	return p.target, nil
}

func newTestRouter(t *testing.T, picker Picker) (*Router, *metrics.Collector) {
	t.Helper()
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true})
	require.NoError(t, err)
	r := New(Config{Picker: picker, Metrics: collector})
	t.Cleanup(func() {
		_ = r.ForceStop()
		r.Wait()
	})
	return r, collector
}

func TestStableHash_Deterministic(t *testing.T) {
	first := BucketIndex("10.0.0.5", 4)
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, 4)

	for i := 0; i < 100; i++ {
		assert.Equal(t, first, BucketIndex("10.0.0.5", 4))
	}
}

func TestStableHash_IgnoresPort(t *testing.T) {
	assert.Equal(t, StableHash("10.0.0.5:40000"), StableHash("10.0.0.5:51234"))
	assert.Equal(t, StableHash("10.0.0.5"), StableHash("10.0.0.5:1"))
	assert.Equal(t, StableHash("[::1]:80"), StableHash("::1"))
}

func TestBucketIndex_EmptyPool(t *testing.T) {
	assert.Equal(t, -1, BucketIndex("10.0.0.5", 0))
}

func TestBucketIndex_Distribution(t *testing.T) {
	counts := make([]int, 4)
	for i := 0; i < 4000; i++ {
		counts[BucketIndex(fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256), 4)]++
	}
	for i, n := range counts {
		assert.Greater(t, n, 700, "bucket %d underused", i)
	}
}

func TestRouter_HandsOffUnreadConnection(t *testing.T) {
	target := &fakeTarget{id: 7, handoffs: make(chan handoff, 1)}
	picker := &fakePicker{target: target}
	r, collector := newTestRouter(t, picker)

	require.NoError(t, r.Listen([]Endpoint{{ID: "chat", Network: "tcp", Address: "127.0.0.1:0", Service: "chat"}}))

	client, err := net.Dial("tcp", r.Addr("chat").String())
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	var h handoff
	select {
	case h = <-target.handoffs:
	case <-time.After(5 * time.Second):
		t.Fatal("no handoff")
	}
	defer h.conn.Close()

	assert.Equal(t, protocol.KindConnectionHandoff, h.msg.Kind)
	assert.Equal(t, "chat", h.msg.EndpointID)
	assert.NotEmpty(t, h.msg.HandoffID)

	// the worker sees every byte the client sent
	buf := make([]byte, 5)
	_, err = io.ReadFull(h.conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// and can answer on the same connection
	_, err = h.conn.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	picker.mu.Lock()
	assert.Equal(t, []uint64{StableHash(client.LocalAddr().String())}, picker.hashes)
	picker.mu.Unlock()

	require.Eventually(t, func() bool {
		events := collector.GetMetrics()["events"].(map[string]int64)
		return events["connection_routed"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_EmptyPoolDropsConnection(t *testing.T) {
	r, collector := newTestRouter(t, &fakePicker{})

	require.NoError(t, r.Listen([]Endpoint{{ID: "chat", Network: "tcp", Address: "127.0.0.1:0", Service: "chat"}}))

	client, err := net.Dial("tcp", r.Addr("chat").String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "client only sees the connection close")

	require.Eventually(t, func() bool {
		events := collector.GetMetrics()["events"].(map[string]int64)
		return events["connection_dropped"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRouter_FailedHandoffDropsConnection(t *testing.T) {
	target := &fakeTarget{id: 3, err: fmt.Errorf("worker gone")}
	r, _ := newTestRouter(t, &fakePicker{target: target})

	require.NoError(t, r.Listen([]Endpoint{{ID: "chat", Network: "tcp", Address: "127.0.0.1:0", Service: "chat"}}))

	client, err := net.Dial("tcp", r.Addr("chat").String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRouter_UnixSocketEndpoint(t *testing.T) {
	dir, err := os.MkdirTemp("", "sp")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "chat.sock")

	// a stale socket from a previous run is replaced
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	target := &fakeTarget{id: 1, handoffs: make(chan handoff, 1)}
	r, _ := newTestRouter(t, &fakePicker{target: target})
	require.NoError(t, r.Listen([]Endpoint{{ID: path, Network: "unix", Address: path, Service: "chat"}}))

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()

	select {
	case h := <-target.handoffs:
		assert.Equal(t, path, h.msg.EndpointID)
		h.conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("no handoff")
	}
}

func TestRouter_BindFailureClosesOthers(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	r, _ := newTestRouter(t, &fakePicker{})
	err = r.Listen([]Endpoint{
		{ID: "a", Network: "tcp", Address: "127.0.0.1:0", Service: "chat"},
		{ID: "b", Network: "tcp", Address: taken.Addr().String(), Service: "chat"},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRoutingFailed))
	assert.Equal(t, 0, r.Remaining())
}

func TestRouter_BeginDrainStopsAccepting(t *testing.T) {
	r, _ := newTestRouter(t, &fakePicker{})
	require.NoError(t, r.Listen([]Endpoint{{ID: "chat", Network: "tcp", Address: "127.0.0.1:0", Service: "chat"}}))
	addr := r.Addr("chat").String()
	assert.Equal(t, 1, r.Remaining())

	require.NoError(t, r.BeginDrain())
	require.NoError(t, r.BeginDrain())
	r.Wait()

	assert.Equal(t, 0, r.Remaining())
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestRouter_ListenAfterDrainBindsNothing(t *testing.T) {
	r, _ := newTestRouter(t, &fakePicker{})
	require.NoError(t, r.BeginDrain())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = r.Listen([]Endpoint{{ID: "chat", Network: "tcp", Address: addr, Service: "chat"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
	assert.Equal(t, 0, r.Remaining())
	assert.Nil(t, r.Addr("chat"))

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "nothing accepts after shutdown was requested")
	r.Wait()
}
