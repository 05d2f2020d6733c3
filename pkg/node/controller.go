package node

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hive/pkg/config"
	"github.com/cuemby/hive/pkg/envelope"
	"github.com/cuemby/hive/pkg/hostprobe"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/transport"
)

// Controller is a node controller: the per-machine process that
// supervises worker-instance processes, replicates the actor directory
// with its peers, and answers the ops protocol.
type Controller struct {
	cfg   *config.Config
	realm string

	opsAddr string
	socket  *transport.ReplySocket

	dir        *directory
	tombstones *tombstones
	peers      *peerTable
	ports      *freePortSet
	instances  *instanceSupervisor

	actorOwnerMu sync.RWMutex
	actorOwner   map[string]actorOwnership // uid -> owning instance + allocated port

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a node controller from cfg, bound to the given
// interface's address. instanceBinary is the path to the hive-instance
// executable this node spawns worker processes from; configPath is
// forwarded to each spawned instance unchanged.
func New(cfg *config.Config, opsAddr, instanceBinary, configPath string, seeds []string) *Controller {
	ports := newFreePortSet(cfg.PortRangeStart, cfg.PortRangeEnd)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		cfg:        cfg,
		realm:      cfg.Realm,
		opsAddr:    opsAddr,
		dir:        newDirectory(),
		tombstones: newTombstones(),
		peers:      newPeerTable(),
		ports:      ports,
		instances:  newInstanceSupervisor(instanceBinary, configPath, ports),
		actorOwner: make(map[string]actorOwnership),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, seed := range seeds {
		if seed != "" {
			c.peers.upsert(seed, nil)
		}
	}
	return c
}

// Start binds the ops socket, spawns the standing instance pool, and
// launches the background sync loops. It blocks until Stop is called
// or SIGINT/SIGQUIT is received.
func (c *Controller) Start() error {
	sock, err := transport.Bind(c.opsAddr, c.dispatch)
	if err != nil {
		return fmt.Errorf("node: bind ops socket: %w", err)
	}
	c.socket = sock
	metrics.RegisterComponent("transport", true, "")
	log.WithComponent("node").Info().Str("addr", c.socket.Addr()).Msg("ops socket bound")

	for i := 0; i < c.cfg.NProcesses; i++ {
		id := fmt.Sprintf("pool-%d", i)
		if _, err := c.instances.spawn(id, true); err != nil {
			log.WithComponent("node").Error().Err(err).Str("instance_id", id).Msg("failed to spawn pool instance")
		}
	}
	metrics.RegisterComponent("instance_supervisor", true, "")
	metrics.RegisterComponent("directory", true, "")

	c.startLoops()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGQUIT)
	select {
	case <-sig:
		log.WithComponent("node").Info().Msg("shutdown signal received")
	case <-c.ctx.Done():
	}

	return c.shutdown()
}

// Stop requests graceful shutdown from any goroutine.
func (c *Controller) Stop() { c.cancel() }

func (c *Controller) shutdown() error {
	c.cancel()
	c.wg.Wait()

	var failed bool
	for _, inst := range c.instances.list() {
		if _, err := c.instances.request(inst, transport.Message{"req": "keepalive"}, time.Second); err != nil {
			failed = true
		}
	}
	c.instances.stopAll()

	if err := c.socket.Close(); err != nil {
		log.WithComponent("node").Warn().Err(err).Msg("error closing ops socket")
	}

	if failed {
		return fmt.Errorf("node: one or more instances failed to respond during shutdown")
	}
	return nil
}

func (c *Controller) startLoops() {
	loops := []func(){
		c.instanceKeepaliveLoop,
		c.peerKeepaliveLoop,
		c.directoryPullSyncLoop,
		c.directoryPushLoop,
		c.tombstoneCullerLoop,
	}
	for _, loop := range loops {
		c.wg.Add(1)
		go func(l func()) {
			defer c.wg.Done()
			l()
		}(loop)
	}
}

// dispatch is the ops protocol's single entry point, shared by peers
// (keepalive, get_dir_sync, push_dir_sync, get_nodes), the cluster
// client (start_actor, kill_actor, remove_actor, host_info, get_dir,
// get_full_dir, flush), and actor VirtualHandles resolving one category
// (get_dir) — the "local directory service" is this same dispatcher,
// not a separate listener.
func (c *Controller) dispatch(req transport.Message) transport.Message {
	op, _ := req["req"].(string)
	timer := metrics.NewTimer()
	reply := c.route(op, req)
	timer.ObserveDurationVec(metrics.OpsRequestDuration, op)

	status, _ := reply["status"].(string)
	metrics.OpsRequestsTotal.WithLabelValues(op, status).Inc()
	return reply
}

func (c *Controller) route(op string, req transport.Message) transport.Message {
	switch op {
	case "keepalive":
		return msg(envelope.Success(nil))
	case "start_actor":
		return msg(c.opStartActor(req))
	case "kill_actor":
		return msg(c.opKillActor(req))
	case "remove_actor":
		return msg(c.opRemoveActor(req))
	case "host_info":
		return msg(c.opHostInfo())
	case "get_full_dir":
		return msg(envelope.Success(map[string]any{"directory": c.dir.full()}))
	case "get_dir":
		return msg(c.opGetDir(req))
	case "get_nodes":
		return msg(c.opGetNodes())
	case "flush":
		return msg(c.opFlush())
	case "get_dir_sync":
		return msg(envelope.Success(map[string]any{
			"directory":  c.dir.full(),
			"tombstones": c.tombstoneList(),
		}))
	case "push_dir_sync":
		return msg(c.opPushDirSync(req))
	default:
		return msg(envelope.Error(envelope.ErrUnknownRequest, map[string]any{"req": op}))
	}
}

func (c *Controller) opStartActor(req transport.Message) *envelope.Envelope {
	actorName, _ := req["actor_name"].(string)
	realm, _ := req["realm"].(string)
	category, _ := req["category"].(string)
	if actorName == "" || category == "" {
		return envelope.Error(envelope.ErrMissingStartInfo, nil)
	}
	if realm == "" {
		realm = c.realm
	}
	params, _ := req["params"].(map[string]any)

	inst := c.pickPoolInstance()
	if inst == nil {
		return envelope.Error(envelope.ErrException, map[string]any{"message": "no instance available"})
	}

	port, err := c.ports.allocate()
	if err != nil {
		metrics.ActorsStartedTotal.WithLabelValues("error").Inc()
		return envelope.Error(envelope.ErrException, map[string]any{"message": err.Error()})
	}

	uid := uuid.NewString()
	reply, err := c.instances.request(inst, transport.Message{
		"req":        "start_actor",
		"actor_name": actorName,
		"uid":        uid,
		"realm":      realm,
		"category":   category,
		"params":     params,
		"port":       port,
	}, 10*time.Second)
	if err != nil {
		c.ports.release(port)
		metrics.ActorsStartedTotal.WithLabelValues("error").Inc()
		return envelope.Error(envelope.ErrException, map[string]any{"message": err.Error()})
	}
	if status, _ := reply["status"].(string); status != "ok" {
		c.ports.release(port)
		metrics.ActorsStartedTotal.WithLabelValues("error").Inc()
		errKind, _ := reply["error"].(string)
		return envelope.Error(errKind, nil)
	}

	endpoint, _ := reply["data"].(map[string]any)["endpoint"].(string)
	c.dir.put(realm, category, uid, endpoint)
	c.setActorOwner(uid, inst.ID, port)
	metrics.ActorsStartedTotal.WithLabelValues("ok").Inc()

	return envelope.Success(map[string]any{"uid": uid, "endpoint": endpoint})
}

func (c *Controller) opKillActor(req transport.Message) *envelope.Envelope {
	uid, _ := req["uid"].(string)
	if uid == "" {
		return envelope.Error(envelope.ErrMissingStopInfo, nil)
	}

	owner, ok := c.getActorOwner(uid)
	if !ok {
		return envelope.Error(envelope.ErrActorNotFound, nil)
	}
	inst, ok := c.instances.get(owner.instanceID)
	if !ok {
		return envelope.Error(envelope.ErrActorNotFound, nil)
	}

	reply, err := c.instances.request(inst, transport.Message{"req": "kill_actor", "uid": uid}, 10*time.Second)
	if err != nil || reply["status"] != "ok" {
		metrics.ActorsKilledTotal.WithLabelValues("error").Inc()
		return envelope.Error(envelope.ErrSomeActorsFailedToStop, map[string]any{"uid": uid})
	}

	c.dir.removeByUID(uid)
	c.tombstones.add(uid)
	c.ports.release(owner.port)
	c.clearActorOwner(uid)
	metrics.ActorsKilledTotal.WithLabelValues("ok").Inc()
	return envelope.Success(nil)
}

func (c *Controller) opRemoveActor(req transport.Message) *envelope.Envelope {
	uid, _ := req["uid"].(string)
	if uid == "" {
		return envelope.Error(envelope.ErrMissingRemoveInfo, nil)
	}
	if _, _, ok := c.dir.removeByUID(uid); !ok {
		return envelope.Error(envelope.ErrDirectoryRemoveFailed, nil)
	}
	c.tombstones.add(uid)
	if owner, ok := c.getActorOwner(uid); ok {
		c.ports.release(owner.port)
	}
	c.clearActorOwner(uid)
	return envelope.Success(nil)
}

func (c *Controller) opHostInfo() *envelope.Envelope {
	sample, err := hostprobe.Sample(c.ctx)
	if err != nil {
		return envelope.Error(envelope.ErrException, map[string]any{"message": err.Error()})
	}
	return envelope.Success(sample.AsMap())
}

func (c *Controller) opGetDir(req transport.Message) *envelope.Envelope {
	realm, _ := req["realm"].(string)
	category, _ := req["cat"].(string)
	if category == "" {
		return envelope.Error(envelope.ErrNoCategorySpecified, nil)
	}
	if realm == "" {
		realm = c.realm
	}
	endpoints := c.dir.category(realm, category)
	out := make(map[string]any, len(endpoints))
	for uid, ep := range endpoints {
		out[uid] = ep
	}
	return envelope.Success(map[string]any{"endpoints": out})
}

func (c *Controller) opGetNodes() *envelope.Envelope {
	peers := c.peers.list()
	out := make([]map[string]any, 0, len(peers)+1)
	out = append(out, map[string]any{"endpoint": c.socket.Addr(), "self": true})
	for _, p := range peers {
		out = append(out, map[string]any{
			"endpoint":  p.Endpoint,
			"last_seen": p.LastSeen.Unix(),
			"host_info": p.HostInfo,
		})
	}
	return envelope.Success(map[string]any{"nodes": out})
}

func (c *Controller) opFlush() *envelope.Envelope {
	for _, inst := range c.instances.list() {
		_, _ = c.instances.request(inst, transport.Message{"req": "flush"}, 5*time.Second)
	}
	return envelope.Success(nil)
}

func (c *Controller) opPushDirSync(req transport.Message) *envelope.Envelope {
	raw, _ := req["directory"].(map[string]any)
	incoming := decodeDirectory(raw)
	c.dir.merge(incoming, c.tombstones.has)

	if rawTombstones, ok := req["tombstones"].(map[string]any); ok {
		for uid := range rawTombstones {
			c.dir.removeByUID(uid)
			c.tombstones.add(uid)
		}
	}
	return envelope.Success(nil)
}

func (c *Controller) tombstoneList() map[string]any {
	// tombstones are only ever pushed by uid; the timestamp is this
	// node's local bookkeeping, not part of the replicated value.
	c.tombstones.mu.Lock()
	defer c.tombstones.mu.Unlock()
	out := make(map[string]any, len(c.tombstones.data))
	for uid := range c.tombstones.data {
		out[uid] = true
	}
	return out
}

func (c *Controller) pickPoolInstance() *Instance {
	members := c.instances.poolMembers()
	if len(members) == 0 {
		return nil
	}
	return members[rand.Intn(len(members))]
}

// actorOwnership records which instance is running an actor and the
// port allocated to it out of the node's configured port range, so
// kill_actor/remove_actor can reclaim the port.
type actorOwnership struct {
	instanceID string
	port       int
}

func (c *Controller) setActorOwner(uid, instanceID string, port int) {
	c.actorOwnerMu.Lock()
	defer c.actorOwnerMu.Unlock()
	c.actorOwner[uid] = actorOwnership{instanceID: instanceID, port: port}
}

func (c *Controller) getActorOwner(uid string) (actorOwnership, bool) {
	c.actorOwnerMu.RLock()
	defer c.actorOwnerMu.RUnlock()
	owner, ok := c.actorOwner[uid]
	return owner, ok
}

func (c *Controller) clearActorOwner(uid string) {
	c.actorOwnerMu.Lock()
	defer c.actorOwnerMu.Unlock()
	delete(c.actorOwner, uid)
}

func msg(e *envelope.Envelope) transport.Message {
	m := transport.Message{"status": e.Status}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return m
}

func decodeDirectory(raw map[string]any) map[string]map[string]map[string]string {
	out := make(map[string]map[string]map[string]string)
	for realm, catsRaw := range raw {
		cats, ok := catsRaw.(map[string]any)
		if !ok {
			continue
		}
		outCats := make(map[string]map[string]string)
		for cat, uidsRaw := range cats {
			uids, ok := uidsRaw.(map[string]any)
			if !ok {
				continue
			}
			outUids := make(map[string]string)
			for uid, epRaw := range uids {
				if ep, ok := epRaw.(string); ok {
					outUids[uid] = ep
				}
			}
			outCats[cat] = outUids
		}
		out[realm] = outCats
	}
	return out
}
