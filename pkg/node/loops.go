package node

import (
	"math/rand"
	"time"

	"github.com/cuemby/hive/pkg/envelope"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/transport"
)

// instanceKeepaliveLoop pings every supervised instance on
// instance_keepalive_seconds; an instance that fails to answer is
// assumed crashed and respawned in its place, preserving pool
// membership but not its actors: each actor it hosted is removed from
// the directory, tombstoned, and its port returned to the free set.
func (c *Controller) instanceKeepaliveLoop() {
	interval := time.Duration(c.cfg.InstanceKeepaliveSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, inst := range c.instances.list() {
				if _, err := c.instances.request(inst, transport.Message{"req": "keepalive"}, 5*time.Second); err != nil {
					log.WithComponent("node").Warn().Str("instance_id", inst.ID).Err(err).Msg("instance keepalive failed, respawning")
					wasPool := inst.Pool
					c.instances.remove(inst.ID)
					var orphaned []string
					c.actorOwnerMu.Lock()
					for uid, owner := range c.actorOwner {
						if owner.instanceID == inst.ID {
							orphaned = append(orphaned, uid)
							c.ports.release(owner.port)
							delete(c.actorOwner, uid)
						}
					}
					c.actorOwnerMu.Unlock()
					for _, uid := range orphaned {
						c.dir.removeByUID(uid)
						c.tombstones.add(uid)
					}
					if wasPool {
						if _, err := c.instances.spawn(inst.ID, true); err != nil {
							log.WithComponent("node").Error().Err(err).Str("instance_id", inst.ID).Msg("failed to respawn instance")
						}
					}
				}
			}
			metrics.InstancesTotal.WithLabelValues("pool").Set(float64(len(c.instances.poolMembers())))
		case <-c.ctx.Done():
			return
		}
	}
}

// peerKeepaliveLoop pings every known peer on peer_keepalive_seconds and
// evicts it immediately on the first failed keepalive, so a dead peer
// is gone from the table well within the 2x peer_keepalive_seconds
// detection bound rather than surviving several missed pings.
func (c *Controller) peerKeepaliveLoop() {
	interval := time.Duration(c.cfg.PeerKeepaliveSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, ep := range c.peers.endpoints() {
				sock, err := transport.Dial(ep)
				if err != nil {
					c.evictPeer(ep)
					continue
				}
				reply, err := sock.Request(transport.Message{"req": "keepalive"}, 5*time.Second)
				sock.Close()
				if err != nil || reply["status"] != "ok" {
					c.evictPeer(ep)
					continue
				}
				c.peers.upsert(ep, nil)
			}
			metrics.PeersTotal.WithLabelValues("known").Set(float64(c.peers.size()))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) evictPeer(ep string) {
	c.peers.remove(ep)
	log.WithComponent("node").Info().Str("peer", ep).Msg("evicting peer after failed keepalive")
}

// directoryPullSyncLoop periodically pulls a random peer's directory
// and tombstone set and merges them into the local copy — the "pull"
// half of the gossip protocol that makes eventual consistency converge
// even if a push was dropped.
func (c *Controller) directoryPullSyncLoop() {
	interval := time.Duration(c.cfg.DirectorySyncSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pullSyncOnce()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) pullSyncOnce() {
	eps := c.peers.endpoints()
	if len(eps) == 0 {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DirectorySyncDuration)

	ep := eps[rand.Intn(len(eps))]
	sock, err := transport.Dial(ep)
	if err != nil {
		return
	}
	defer sock.Close()

	reply, err := sock.Request(transport.Message{"req": "get_dir_sync"}, 10*time.Second)
	if err != nil {
		return
	}
	env := toEnvelope(reply)
	if !envelope.IsSuccess(env) {
		return
	}
	raw, _ := env.Data["directory"].(map[string]any)
	c.dir.merge(decodeDirectory(raw), c.tombstones.has)

	if rawTombstones, ok := env.Data["tombstones"].(map[string]any); ok {
		for uid := range rawTombstones {
			c.dir.removeByUID(uid)
			c.tombstones.add(uid)
		}
	}
}

// directoryPushLoop pushes a snapshot of this node's directory to every
// peer once per directory_sync_seconds, on its own ticker alongside the
// pull loop. Pushes are not triggered by local changes, so a fresh
// change can wait up to a full interval before it is pushed; the
// snapshot carries no tombstones.
func (c *Controller) directoryPushLoop() {
	interval := time.Duration(c.cfg.DirectorySyncSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pushSyncOnce()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) pushSyncOnce() {
	eps := c.peers.endpoints()
	if len(eps) == 0 {
		return
	}
	snapshot := c.dir.full()
	_, byRealmCat := c.dir.size()
	metrics.DirectoryActorsTotal.Reset()
	for key, n := range byRealmCat {
		metrics.DirectoryActorsTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}

	for _, ep := range eps {
		ep := ep
		go func() {
			sock, err := transport.Dial(ep)
			if err != nil {
				return
			}
			defer sock.Close()
			_, _ = sock.Request(transport.Message{
				"req":       "push_dir_sync",
				"directory": snapshot,
			}, 10*time.Second)
		}()
	}
	metrics.DirectoryPushTotal.Inc()
}

// tombstoneCullerLoop drops tombstones older than
// tombstone_culling_seconds so the set doesn't grow without bound.
// Culling too early risks a stale peer resurrecting a dead uid; the
// culling window is meant to exceed any plausible directory_sync
// backlog.
func (c *Controller) tombstoneCullerLoop() {
	interval := time.Duration(c.cfg.TombstoneCullingSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := c.tombstones.cull(interval)
			if removed > 0 {
				log.WithComponent("node").Debug().Int("removed", removed).Msg("culled tombstones")
			}
			metrics.DirectoryTombstonesTotal.Set(float64(c.tombstones.size()))
		case <-c.ctx.Done():
			return
		}
	}
}

func toEnvelope(m map[string]any) *envelope.Envelope {
	if m == nil {
		return nil
	}
	e := &envelope.Envelope{}
	if status, ok := m["status"].(string); ok {
		e.Status = status
	}
	if errKind, ok := m["error"].(string); ok {
		e.Error = errKind
	}
	if data, ok := m["data"].(map[string]any); ok {
		e.Data = data
	}
	return e
}
