package handle

import (
	"errors"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/envelope"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/transport"
)

// Mode selects how a VirtualHandle picks an endpoint per call.
type Mode string

const (
	Random   Mode = "random"
	Affinity Mode = "affinity"
)

// ErrAllRetriesFailed is returned by Request once nRetries is exhausted
// without a successful reply.
var ErrAllRetriesFailed = errors.New("handle: all retries failed")

const (
	warmRefreshInterval = 60 * time.Second
	coldRefreshInterval = 2 * time.Second
	acquirePollInterval = time.Millisecond
	dirRequestTimeout   = 5 * time.Second
)

// dirDialer has transport.Dial's signature; it is kept as a field so
// the dial step can be swapped out.
type dirDialer func(endpoint string) (*transport.RequestSocket, error)

// VirtualHandle addresses every actor in one (realm, category). Modes
// random and affinity are soft: the endpoint set is recomputed from the
// cache on every call, so membership changes reshard silently.
type VirtualHandle struct {
	realm    string
	category string
	mode     Mode

	dirEndpoints []string
	dial         dirDialer

	mu        sync.RWMutex
	endpoints map[string]string // uid -> endpoint

	idleMu sync.Mutex
	idle   []*transport.RequestSocket

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a handle rooted at (realm, category) and starts its
// background refresh loop. dirEndpoints is the set of directory
// services to query for get_dir: a node's ops endpoints when the
// handle is used outside of an actor, or the single node-local
// directory IPC endpoint when used from inside one.
func New(realm, category string, mode Mode, dirEndpoints []string) *VirtualHandle {
	vh := &VirtualHandle{
		realm:        realm,
		category:     category,
		mode:         mode,
		dirEndpoints: dirEndpoints,
		dial:         transport.Dial,
		endpoints:    make(map[string]string),
		stopCh:       make(chan struct{}),
	}
	vh.wg.Add(1)
	go vh.refreshLoop()
	return vh
}

// Category returns the category this handle addresses.
func (vh *VirtualHandle) Category() string { return vh.category }

// Realm returns the realm this handle addresses.
func (vh *VirtualHandle) Realm() string { return vh.realm }

func (vh *VirtualHandle) refreshLoop() {
	defer vh.wg.Done()
	vh.refresh()
	for {
		interval := warmRefreshInterval
		if !vh.IsAvailable() {
			interval = coldRefreshInterval
		}
		select {
		case <-time.After(interval):
			vh.refresh()
		case <-vh.stopCh:
			return
		}
	}
}

func (vh *VirtualHandle) refresh() {
	if len(vh.dirEndpoints) == 0 {
		return
	}
	ep := vh.dirEndpoints[rand.Intn(len(vh.dirEndpoints))]

	sock, err := vh.dial(ep)
	if err != nil {
		log.WithComponent("handle").Debug().Err(err).Str("endpoint", ep).Msg("directory refresh dial failed")
		return
	}
	defer sock.Close()

	reply, err := sock.Request(transport.Message{
		"req":  "get_dir",
		"realm": vh.realm,
		"cat":   vh.category,
	}, dirRequestTimeout)
	if err != nil {
		log.WithComponent("handle").Debug().Err(err).Msg("directory refresh request failed")
		return
	}

	env := toEnvelope(reply)
	if !envelope.IsSuccess(env) {
		return
	}

	raw, _ := env.Data["endpoints"].(map[string]any)
	fresh := make(map[string]string, len(raw))
	for uid, v := range raw {
		if s, ok := v.(string); ok {
			fresh[uid] = s
		}
	}

	vh.mu.Lock()
	vh.endpoints = fresh
	vh.mu.Unlock()
}

// IsAvailable reports whether the handle currently knows of at least
// one endpoint.
func (vh *VirtualHandle) IsAvailable() bool {
	vh.mu.RLock()
	defer vh.mu.RUnlock()
	return len(vh.endpoints) > 0
}

func (vh *VirtualHandle) randomEndpoint() (string, bool) {
	vh.mu.RLock()
	defer vh.mu.RUnlock()
	if len(vh.endpoints) == 0 {
		return "", false
	}
	eps := make([]string, 0, len(vh.endpoints))
	for _, ep := range vh.endpoints {
		eps = append(eps, ep)
	}
	return eps[rand.Intn(len(eps))], true
}

// affinityEndpoint implements invariant 6: sorted(endpoints by uid)[hash(key) mod N].
func (vh *VirtualHandle) affinityEndpoint(key string) (string, bool) {
	vh.mu.RLock()
	defer vh.mu.RUnlock()
	if len(vh.endpoints) == 0 {
		return "", false
	}
	uids := make([]string, 0, len(vh.endpoints))
	for uid := range vh.endpoints {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum64() % uint64(len(uids)))
	return vh.endpoints[uids[idx]], true
}

func (vh *VirtualHandle) popIdle() *transport.RequestSocket {
	vh.idleMu.Lock()
	defer vh.idleMu.Unlock()
	n := len(vh.idle)
	if n == 0 {
		return nil
	}
	sock := vh.idle[0]
	vh.idle = vh.idle[1:]
	return sock
}

func (vh *VirtualHandle) pushIdle(sock *transport.RequestSocket) {
	vh.idleMu.Lock()
	defer vh.idleMu.Unlock()
	vh.idle = append(vh.idle, sock)
}

// acquire implements the socket-acquisition half of the Request
// algorithm: in affinity mode with a key, always dial the key's
// endpoint; otherwise reuse an idle socket regardless of mode, else (in
// random mode) dial a random endpoint, polling until timeout elapses.
func (vh *VirtualHandle) acquire(timeout time.Duration, key string) (*transport.RequestSocket, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if vh.mode == Affinity && key != "" {
			if ep, ok := vh.affinityEndpoint(key); ok {
				if sock, err := vh.dial(ep); err == nil {
					return sock, true
				}
			}
		} else if sock := vh.popIdle(); sock != nil {
			return sock, true
		} else if vh.mode == Random {
			if ep, ok := vh.randomEndpoint(); ok {
				if sock, err := vh.dial(ep); err == nil {
					return sock, true
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(acquirePollInterval)
	}
}

// Request sends one reply-or-retry request, per spec's acquire/retry
// algorithm: up to nRetries additional attempts, each bounded by
// timeout for both socket acquisition and the request itself. A socket
// that fails (including timing out) is discarded rather than pooled.
func (vh *VirtualHandle) Request(reqType string, data map[string]any, timeout time.Duration, key string, nRetries int) (map[string]any, error) {
	for retry := 0; retry <= nRetries; retry++ {
		sock, ok := vh.acquire(timeout, key)
		if !ok {
			continue
		}

		payload := cloneMessage(data)
		payload["req"] = reqType

		reply, err := sock.Request(payload, timeout)
		if err != nil {
			sock.Close()
			continue
		}

		vh.pushIdle(sock)
		return reply, nil
	}
	return nil, ErrAllRetriesFailed
}

// Broadcast fires reqType at every currently cached endpoint in
// parallel and returns immediately without waiting for or collecting
// replies. One endpoint's failure never prevents delivery to another.
// Delivery is not guaranteed — this is fire-and-forget.
func (vh *VirtualHandle) Broadcast(reqType string, data map[string]any) {
	vh.mu.RLock()
	endpoints := make([]string, 0, len(vh.endpoints))
	for _, ep := range vh.endpoints {
		endpoints = append(endpoints, ep)
	}
	vh.mu.RUnlock()

	for _, ep := range endpoints {
		ep := ep
		go func() {
			sock, err := vh.dial(ep)
			if err != nil {
				return
			}
			defer sock.Close()

			payload := cloneMessage(data)
			payload["req"] = reqType
			_, _ = sock.Request(payload, dirRequestTimeout)
		}()
	}
}

// Close cancels the refresh loop and releases pooled sockets.
func (vh *VirtualHandle) Close() {
	vh.stopOnce.Do(func() { close(vh.stopCh) })
	vh.wg.Wait()

	vh.idleMu.Lock()
	defer vh.idleMu.Unlock()
	for _, sock := range vh.idle {
		sock.Close()
	}
	vh.idle = nil
}

func cloneMessage(src map[string]any) transport.Message {
	dst := make(transport.Message, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
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
