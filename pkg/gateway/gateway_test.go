package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory frameConn for tests: inbound is a queue of
// frames fed to ReadMessage; outbound records every WriteMessage call.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	closed   bool
}

func newFakeConn(frames ...string) *fakeConn {
	fc := &fakeConn{}
	for _, f := range frames {
		fc.inbound = append(fc.inbound, []byte(f))
	}
	return fc
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 || f.closed {
		return 0, nil, assertErr{}
	}
	frame := f.inbound[0]
	f.inbound = f.inbound[1:]
	return websocket.TextMessage, frame, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "no more frames" }

func TestDiscriminateFirstFrameCLI(t *testing.T) {
	conn := newFakeConn(`{"type":"Hello","version":"1"}`)
	session, firstFrame, err := DiscriminateFirstFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, DialectCLI, session.Dialect)
	assert.Nil(t, firstFrame)
}

func TestDiscriminateFirstFrameNode(t *testing.T) {
	conn := newFakeConn(`{"type":"Register","node_id":"n1","capabilities":{"cpu_cores":4}}`)
	session, firstFrame, err := DiscriminateFirstFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, DialectNode, session.Dialect)
	assert.NotNil(t, firstFrame)
}

func TestDiscriminateFirstFrameProtocolError(t *testing.T) {
	conn := newFakeConn(`not json at all`)
	_, _, err := DiscriminateFirstFrame(conn)
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.Protocol))
}

func TestTrySendDropsOnFullChannel(t *testing.T) {
	conn := newFakeConn()
	session := newSession(conn)

	for i := 0; i < channelCapacity; i++ {
		require.True(t, session.TrySend([]byte("x")))
	}
	assert.False(t, session.TrySend([]byte("overflow")))
}

func TestRegistryBroadcastVisitsRegisteredSessionsOnly(t *testing.T) {
	reg := NewRegistry()

	unregistered := newSession(newFakeConn())
	reg.Add(unregistered)

	registered := newSession(newFakeConn())
	reg.Add(registered)
	nodeID := ids.New()
	require.NoError(t, reg.Register(registered, nodeID))

	sent, err := reg.Broadcast([]byte(`{"type":"Ping"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	select {
	case payload := <-registered.outbound:
		var envelope map[string]string
		require.NoError(t, json.Unmarshal(payload, &envelope))
		assert.Equal(t, "Ping", envelope["type"])
	default:
		t.Fatal("expected registered session to receive broadcast")
	}

	select {
	case <-unregistered.outbound:
		t.Fatal("unregistered session should not receive broadcast")
	default:
	}
}

func TestRegistrySendToUnregisteredNodeIsNotFound(t *testing.T) {
	reg := NewRegistry()
	err := reg.Send(ids.New(), []byte("x"))
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.NotFound))
}

func TestStaleNodesReportsOldHeartbeats(t *testing.T) {
	reg := NewRegistry()
	session := newSession(newFakeConn())
	reg.Add(session)
	nodeID := ids.New()
	require.NoError(t, reg.Register(session, nodeID))

	now := time.Now()
	stale := reg.StaleNodes(now.Add(time.Hour), time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, nodeID, stale[0])

	require.NoError(t, reg.Heartbeat(nodeID, now.Add(time.Hour)))
	assert.Empty(t, reg.StaleNodes(now.Add(time.Hour), time.Minute))
}
