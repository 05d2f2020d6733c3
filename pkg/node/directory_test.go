package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryPutAndCategory(t *testing.T) {
	d := newDirectory()
	d.put("realm1", "cat1", "uid-1", "tcp://127.0.0.1:1")
	d.put("realm1", "cat1", "uid-2", "tcp://127.0.0.1:2")

	eps := d.category("realm1", "cat1")
	assert.Len(t, eps, 2)
	assert.Equal(t, "tcp://127.0.0.1:1", eps["uid-1"])
}

func TestDirectoryRemoveByUID(t *testing.T) {
	d := newDirectory()
	d.put("realm1", "cat1", "uid-1", "tcp://127.0.0.1:1")

	realm, cat, ok := d.removeByUID("uid-1")
	assert.True(t, ok)
	assert.Equal(t, "realm1", realm)
	assert.Equal(t, "cat1", cat)
	assert.Empty(t, d.category("realm1", "cat1"))

	_, _, ok = d.removeByUID("uid-1")
	assert.False(t, ok, "removing an already-removed uid should report not found")
}

func TestDirectoryMergeSkipsTombstonedUID(t *testing.T) {
	d := newDirectory()
	ts := newTombstones()
	ts.add("uid-dead")

	incoming := map[string]map[string]map[string]string{
		"realm1": {"cat1": {"uid-alive": "tcp://127.0.0.1:1", "uid-dead": "tcp://127.0.0.1:2"}},
	}
	d.merge(incoming, ts.has)

	eps := d.category("realm1", "cat1")
	assert.Contains(t, eps, "uid-alive")
	assert.NotContains(t, eps, "uid-dead", "a tombstoned uid must never reappear via merge")
}

func TestTombstoneCullRespectsMaxAge(t *testing.T) {
	ts := newTombstones()
	ts.add("uid-1")

	removed := ts.cull(time.Hour)
	assert.Equal(t, 0, removed, "a fresh tombstone must not be culled before its age exceeds maxAge")
	assert.True(t, ts.has("uid-1"))

	removed = ts.cull(-time.Second)
	assert.Equal(t, 1, removed)
	assert.False(t, ts.has("uid-1"))
}

func TestDirectorySizeByRealmCategory(t *testing.T) {
	d := newDirectory()
	d.put("r1", "c1", "u1", "ep1")
	d.put("r1", "c1", "u2", "ep2")
	d.put("r1", "c2", "u3", "ep3")

	total, byRC := d.size()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, byRC[[2]string{"r1", "c1"}])
	assert.Equal(t, 1, byRC[[2]string{"r1", "c2"}])
}
