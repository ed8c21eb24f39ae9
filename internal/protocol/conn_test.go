package protocol

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	parent, childFile, err := Pair()
	require.NoError(t, err)
	child, err := FromFile(childFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = parent.Close()
		_ = child.Close()
	})
	return parent, child
}

func TestConn_LogRoundTrip(t *testing.T) {
	parent, child := newPair(t)

	require.NoError(t, child.Send(NewLog(3, "warn", "disk", "low", 42), nil))

	msg, file, err := parent.Receive()
	require.NoError(t, err)
	assert.Nil(t, file)
	assert.Equal(t, KindLog, msg.Kind)
	assert.Equal(t, 3, msg.WorkerID)
	assert.Equal(t, "warn", msg.Level)
	assert.Equal(t, "disk low 42", msg.Text())
	assert.NoError(t, msg.Validate())
}

func TestConn_PreservesOrder(t *testing.T) {
	parent, child := newPair(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, child.Send(NewLog(1, "info", i), nil))
	}
	for i := 0; i < 10; i++ {
		msg, _, err := parent.Receive()
		require.NoError(t, err)
		assert.Equal(t, float64(i), msg.Args[0])
	}
}

func TestConn_HandoffCarriesDescriptor(t *testing.T) {
	parent, child := newPair(t)

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("hello worker"), 0600))
	f, err := os.Open(path)
	require.NoError(t, err)

	require.NoError(t, parent.Send(NewHandoff(":7000", "h-1"), f))
	// the receiver owns a duplicate, so the sender's copy can go
	require.NoError(t, f.Close())

	msg, received, err := child.Receive()
	require.NoError(t, err)
	require.NotNil(t, received)
	defer received.Close()

	assert.Equal(t, KindConnectionHandoff, msg.Kind)
	assert.Equal(t, ":7000", msg.EndpointID)
	assert.Equal(t, "h-1", msg.HandoffID)

	data, err := io.ReadAll(received)
	require.NoError(t, err)
	assert.Equal(t, "hello worker", string(data))
}

func TestConn_EOFWhenPeerCloses(t *testing.T) {
	parent, child := newPair(t)

	require.NoError(t, child.Close())

	_, _, err := parent.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_RejectsOversizedMessage(t *testing.T) {
	parent, _ := newPair(t)

	big := make([]byte, MaxMessageSize)
	for i := range big {
		big[i] = 'x'
	}
	err := parent.Send(NewLog(1, "info", string(big)), nil)
	assert.Error(t, err)
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
	}{
		{"log", NewLog(1, "info", "x"), false},
		{"log without worker", NewLog(0, "info"), true},
		{"handoff", NewHandoff("/tmp/a.sock", "h"), false},
		{"handoff without endpoint", NewHandoff("", "h"), true},
		{"stop", NewStop(), false},
		{"ready", NewReady(2), false},
		{"unknown", &Message{Kind: "bogus"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, "", JoinArgs(nil))
	assert.Equal(t, "a 1 true", JoinArgs([]interface{}{"a", 1, true}))
}
