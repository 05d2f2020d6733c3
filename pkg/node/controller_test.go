package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hive/pkg/config"
	"github.com/cuemby/hive/pkg/transport"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	cfg := &config.Config{
		Realm:          "realm1",
		PortRangeStart: 20000,
		PortRangeEnd:   20010,
	}
	c := New(cfg, "127.0.0.1:0", "/nonexistent/hive-instance", "/nonexistent/config.yaml", nil)
	sock, err := transport.Bind("127.0.0.1:0", c.dispatch)
	require.NoError(t, err)
	c.socket = sock
	t.Cleanup(func() { sock.Close() })
	return c
}

func TestOpsUnknownRequest(t *testing.T) {
	c := testController(t)
	reply := c.dispatch(transport.Message{"req": "does_not_exist"})
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "unknown request", reply["error"])
}

func TestOpsKeepalive(t *testing.T) {
	c := testController(t)
	reply := c.dispatch(transport.Message{"req": "keepalive"})
	assert.Equal(t, "ok", reply["status"])
}

func TestOpsGetDirRequiresCategory(t *testing.T) {
	c := testController(t)
	reply := c.dispatch(transport.Message{"req": "get_dir", "realm": "realm1"})
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "no category specified", reply["error"])
}

func TestOpsGetDirReturnsDirectoryEntries(t *testing.T) {
	c := testController(t)
	c.dir.put("realm1", "cat1", "uid-1", "tcp://127.0.0.1:1")

	reply := c.dispatch(transport.Message{"req": "get_dir", "realm": "realm1", "cat": "cat1"})
	assert.Equal(t, "ok", reply["status"])
	data := reply["data"].(map[string]any)
	endpoints := data["endpoints"].(map[string]any)
	assert.Equal(t, "tcp://127.0.0.1:1", endpoints["uid-1"])
}

func TestOpsGetFullDirAndPushDirSync(t *testing.T) {
	a := testController(t)
	b := testController(t)

	a.dir.put("realm1", "cat1", "uid-1", "tcp://127.0.0.1:1")

	pushReq := transport.Message{"req": "push_dir_sync", "directory": toAnyMap(a.dir.full())}
	reply := b.dispatch(pushReq)
	assert.Equal(t, "ok", reply["status"])

	eps := b.dir.category("realm1", "cat1")
	assert.Equal(t, "tcp://127.0.0.1:1", eps["uid-1"])
}

func TestOpsRemoveActorUnknownUID(t *testing.T) {
	c := testController(t)
	reply := c.dispatch(transport.Message{"req": "remove_actor", "uid": "uid-ghost"})
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "error removing actor from directory after stop", reply["error"])
}

func TestOpsRemoveActorTombstonesUID(t *testing.T) {
	c := testController(t)
	c.dir.put("realm1", "cat1", "uid-1", "tcp://127.0.0.1:1")

	reply := c.dispatch(transport.Message{"req": "remove_actor", "uid": "uid-1"})
	assert.Equal(t, "ok", reply["status"])
	assert.True(t, c.tombstones.has("uid-1"))
}

// toAnyMap converts the directory's concrete nested string map into the
// map[string]any shape the wire protocol carries.
func toAnyMap(dir map[string]map[string]map[string]string) map[string]any {
	out := make(map[string]any, len(dir))
	for realm, cats := range dir {
		outCats := make(map[string]any, len(cats))
		for cat, uids := range cats {
			outUids := make(map[string]any, len(uids))
			for uid, ep := range uids {
				outUids[uid] = ep
			}
			outCats[cat] = outUids
		}
		out[realm] = outCats
	}
	return out
}
