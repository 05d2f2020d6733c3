package instancehost

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/actor"
	"github.com/cuemby/hive/pkg/envelope"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/registry"
	"github.com/cuemby/hive/pkg/transport"
)

// Host runs zero or more actors in one process and answers the node
// controller's instance ops: keepalive, start_actor, kill_actor, flush.
type Host struct {
	id           string
	registry     *registry.Registry
	bindHost     string
	dirEndpoints []string

	mu      sync.Mutex
	running map[string]*runningActor

	socket *transport.ReplySocket
}

type runningActor struct {
	rt   *actor.Runtime
	done chan struct{}
}

// New constructs a Host identified by id, serving actors out of reg and
// binding each one to the port the node controller allocated for it out
// of its configured port_range and passed in the start_actor request —
// this instance never picks its own actor ports. dirEndpoints resolves
// GetActorHandle/IsCategoryAvailable — this instance's node
// controller's ops endpoint.
func New(id string, reg *registry.Registry, bindHost string, dirEndpoints []string) *Host {
	return &Host{
		id:           id,
		registry:     reg,
		bindHost:     bindHost,
		dirEndpoints: dirEndpoints,
		running:      make(map[string]*runningActor),
	}
}

// Serve binds the ops socket on addr and then blocks for the life of
// the process; Stop closes the socket but does not make Serve return.
func (h *Host) Serve(addr string) error {
	sock, err := transport.Bind(addr, h.dispatch)
	if err != nil {
		return fmt.Errorf("instancehost: bind %s: %w", addr, err)
	}
	h.socket = sock
	log.WithComponent("instancehost").Info().Str("instance_id", h.id).Str("addr", sock.Addr()).Msg("instance ops socket bound")
	select {}
}

// Stop kills every running actor and closes the ops socket.
func (h *Host) Stop() {
	h.killAll()
	if h.socket != nil {
		_ = h.socket.Close()
	}
}

func (h *Host) dispatch(req transport.Message) transport.Message {
	op, _ := req["req"].(string)
	switch op {
	case "keepalive":
		return msg(envelope.Success(map[string]any{"instance_id": h.id}))
	case "start_actor":
		return msg(h.opStartActor(req))
	case "kill_actor":
		return msg(h.opKillActor(req))
	case "flush":
		h.killAll()
		return msg(envelope.Success(nil))
	default:
		return msg(envelope.Error(envelope.ErrUnknownRequest, map[string]any{"req": op}))
	}
}

func (h *Host) opStartActor(req transport.Message) *envelope.Envelope {
	actorName, _ := req["actor_name"].(string)
	uid, _ := req["uid"].(string)
	realm, _ := req["realm"].(string)
	category, _ := req["category"].(string)
	port, _ := req["port"].(float64)
	if actorName == "" || uid == "" || category == "" || port == 0 {
		return envelope.Error(envelope.ErrMissingStartInfo, nil)
	}
	params, _ := req["params"].(map[string]any)

	a, err := h.registry.New(actorName)
	if err != nil {
		return envelope.Error(envelope.ErrMissingStartInfo, map[string]any{"message": err.Error()})
	}

	bindAddr := h.bindHost + ":" + strconv.Itoa(int(port))

	rt := actor.NewRuntime(uid, realm, category, h.dirEndpoints)
	done := make(chan struct{})

	h.mu.Lock()
	h.running[uid] = &runningActor{rt: rt, done: done}
	h.mu.Unlock()

	started := make(chan error, 1)
	go func() {
		defer close(done)
		err := rt.Start(a, bindAddr, params)
		started <- err
		h.mu.Lock()
		delete(h.running, uid)
		h.mu.Unlock()
	}()

	select {
	case err := <-started:
		if err != nil {
			return envelope.Error(envelope.ErrException, map[string]any{"message": err.Error()})
		}
		return envelope.Error(envelope.ErrException, map[string]any{"message": "actor stopped before serving"})
	case <-time.After(200 * time.Millisecond):
		// Init succeeded and the actor is now serving; Start only
		// returns once the actor stops, so a clean bind looks like a
		// timeout here by design.
	}

	return envelope.Success(map[string]any{
		"uid":      uid,
		"endpoint": rt.Addr(),
	})
}

func (h *Host) opKillActor(req transport.Message) *envelope.Envelope {
	uid, _ := req["uid"].(string)
	if uid == "" {
		return envelope.Error(envelope.ErrMissingStopInfo, nil)
	}

	h.mu.Lock()
	ra, ok := h.running[uid]
	h.mu.Unlock()
	if !ok {
		return envelope.Error(envelope.ErrActorNotFound, nil)
	}

	ra.rt.Stop()
	select {
	case <-ra.done:
	case <-time.After(15 * time.Second):
		return envelope.Error(envelope.ErrSomeActorsFailedToStop, map[string]any{"uid": uid})
	}
	return envelope.Success(nil)
}

func (h *Host) killAll() {
	h.mu.Lock()
	actors := make([]*runningActor, 0, len(h.running))
	for _, ra := range h.running {
		actors = append(actors, ra)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, ra := range actors {
		ra.rt.Stop()
		wg.Add(1)
		go func(ra *runningActor) {
			defer wg.Done()
			select {
			case <-ra.done:
			case <-time.After(15 * time.Second):
			}
		}(ra)
	}
	wg.Wait()
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
