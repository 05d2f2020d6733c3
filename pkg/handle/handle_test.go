package handle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hive/pkg/transport"
)

// dirServer is a minimal stand-in for a node controller's get_dir op,
// serving a fixed endpoint set for one category.
func dirServer(t *testing.T, endpoints map[string]string) *transport.ReplySocket {
	t.Helper()
	sock, err := transport.Bind("127.0.0.1:0", func(req transport.Message) transport.Message {
		if req["req"] != "get_dir" {
			return transport.Message{"status": "error", "error": "unknown request"}
		}
		out := make(map[string]any, len(endpoints))
		for uid, ep := range endpoints {
			out[uid] = ep
		}
		return transport.Message{"status": "ok", "data": map[string]any{"endpoints": out}}
	})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func actorServer(t *testing.T, reply transport.Message) *transport.ReplySocket {
	t.Helper()
	sock, err := transport.Bind("127.0.0.1:0", func(req transport.Message) transport.Message {
		return reply
	})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestRandomModeResolvesAndRequests(t *testing.T) {
	actor := actorServer(t, transport.Message{"status": "ok", "data": map[string]any{"value": 42}})
	dir := dirServer(t, map[string]string{"uid-1": actor.Addr()})

	vh := New("realm", "cat", Random, []string{dir.Addr()})
	defer vh.Close()

	require.Eventually(t, vh.IsAvailable, time.Second, time.Millisecond)

	reply, err := vh.Request("ping", nil, time.Second, "", 0)
	require.NoError(t, err)
	data, _ := reply["data"].(map[string]any)
	assert.EqualValues(t, 42, data["value"])
}

func TestAffinityModeIsDeterministic(t *testing.T) {
	a1 := actorServer(t, transport.Message{"status": "ok"})
	a2 := actorServer(t, transport.Message{"status": "ok"})
	dir := dirServer(t, map[string]string{"uid-1": a1.Addr(), "uid-2": a2.Addr()})

	vh := New("realm", "cat", Affinity, []string{dir.Addr()})
	defer vh.Close()
	require.Eventually(t, vh.IsAvailable, time.Second, time.Millisecond)

	ep1, ok := vh.affinityEndpoint("key-a")
	require.True(t, ok)
	ep2, ok := vh.affinityEndpoint("key-a")
	require.True(t, ok)
	assert.Equal(t, ep1, ep2, "affinity resolution must be deterministic for the same key")
}

func TestRequestExhaustsRetries(t *testing.T) {
	vh := New("realm", "cat", Random, nil)
	defer vh.Close()

	_, err := vh.Request("ping", nil, 20*time.Millisecond, "", 2)
	assert.ErrorIs(t, err, ErrAllRetriesFailed)
}

func TestBroadcastDeliversToAllEndpoints(t *testing.T) {
	received := make(chan string, 2)
	mk := func() *transport.ReplySocket {
		sock, err := transport.Bind("127.0.0.1:0", func(req transport.Message) transport.Message {
			received <- req["req"].(string)
			return transport.Message{"status": "ok"}
		})
		require.NoError(t, err)
		t.Cleanup(func() { sock.Close() })
		return sock
	}
	a1, a2 := mk(), mk()
	dir := dirServer(t, map[string]string{"uid-1": a1.Addr(), "uid-2": a2.Addr()})

	vh := New("realm", "cat", Random, []string{dir.Addr()})
	defer vh.Close()
	require.Eventually(t, vh.IsAvailable, time.Second, time.Millisecond)

	vh.Broadcast("ping", nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case reqType := <-received:
			seen[reqType] = true
		case <-time.After(time.Second):
			t.Fatal("broadcast did not reach all endpoints")
		}
	}
	assert.True(t, seen["ping"])
}
