package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/hive/pkg/envelope"
	"github.com/cuemby/hive/pkg/handle"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/transport"
)

// Strategy selects which node a new actor is placed on.
type Strategy string

const (
	StrategyRandom   Strategy = "random"
	StrategyResource Strategy = "resource"
	StrategyAffinity Strategy = "affinity"
)

// ErrNotInitialized is returned by operations that need a node when the
// client knows of no node endpoints at all.
var ErrNotInitialized = errors.New("cluster: client not yet initialized")

const (
	refreshInterval = 30 * time.Second
	initWait        = 5 * time.Second
	requestTimeout  = 10 * time.Second
)

type nodeInfo struct {
	endpoint string
	hostInfo map[string]any
}

// Client is the cluster's external entry point. One Client instance
// addresses one realm; call SetRealm to switch.
type Client struct {
	realm string

	mu    sync.RWMutex
	nodes map[string]*nodeInfo

	inited   chan struct{}
	initOnce sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New bootstraps a Client from a seed list of node ops endpoints
// ("tcp://ip:port") and starts its background node-refresh loop.
func New(realm string, seeds []string) *Client {
	c := &Client{
		realm:  realm,
		nodes:  make(map[string]*nodeInfo),
		inited: make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	for _, s := range seeds {
		if s != "" {
			c.nodes[s] = &nodeInfo{endpoint: s}
		}
	}

	c.wg.Add(1)
	go c.refreshLoop()

	select {
	case <-c.inited:
	case <-time.After(initWait):
		log.WithComponent("cluster").Warn().Msg("client proceeding before first node refresh completed")
	}

	return c
}

// SetRealm switches which realm subsequent operations address.
func (c *Client) SetRealm(realm string) { c.realm = realm }

func (c *Client) refreshLoop() {
	defer c.wg.Done()
	c.refreshOnce()
	c.initOnce.Do(func() { close(c.inited) })

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.refreshOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) refreshOnce() {
	for _, ep := range c.seedEndpoints() {
		sock, err := transport.Dial(ep)
		if err != nil {
			continue
		}
		reply, err := sock.Request(transport.Message{"req": "get_nodes"}, requestTimeout)
		sock.Close()
		if err != nil {
			continue
		}
		env := toEnvelope(reply)
		if !envelope.IsSuccess(env) {
			continue
		}
		rawNodes, _ := env.Data["nodes"].([]any)
		c.mergeNodes(rawNodes)
		break // one responsive seed is enough for a refresh round
	}

	for _, ep := range c.seedEndpoints() {
		sock, err := transport.Dial(ep)
		if err != nil {
			continue
		}
		reply, err := sock.Request(transport.Message{"req": "host_info"}, requestTimeout)
		sock.Close()
		if env := toEnvelope(reply); err == nil && envelope.IsSuccess(env) {
			c.mu.Lock()
			if n, ok := c.nodes[ep]; ok {
				n.hostInfo = env.Data
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) mergeNodes(rawNodes []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rawNode := range rawNodes {
		node, ok := rawNode.(map[string]any)
		if !ok {
			continue
		}
		ep, _ := node["endpoint"].(string)
		if ep == "" {
			continue
		}
		hostInfo, _ := node["host_info"].(map[string]any)
		c.nodes[ep] = &nodeInfo{endpoint: ep, hostInfo: hostInfo}
	}
}

func (c *Client) seedEndpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.nodes))
	for ep := range c.nodes {
		out = append(out, ep)
	}
	return out
}

// AddActor asks a node to start an actor and returns its uid and
// endpoint. The node is chosen by strategy; affinityKey is only used
// by StrategyAffinity.
func (c *Client) AddActor(actorName, category string, params map[string]any, strategy Strategy, affinityKey string) (uid, endpoint string, err error) {
	node, err := c.pickNode(strategy, affinityKey)
	if err != nil {
		return "", "", err
	}

	sock, err := transport.Dial(node)
	if err != nil {
		return "", "", fmt.Errorf("cluster: dial %s: %w", node, err)
	}
	defer sock.Close()

	reply, err := sock.Request(transport.Message{
		"req":        "start_actor",
		"actor_name": actorName,
		"realm":      c.realm,
		"category":   category,
		"params":     params,
	}, requestTimeout)
	if err != nil {
		return "", "", fmt.Errorf("cluster: start_actor: %w", err)
	}
	env := toEnvelope(reply)
	if !envelope.IsSuccess(env) {
		return "", "", fmt.Errorf("cluster: start_actor failed: %s", env.Error)
	}

	uid, _ = env.Data["uid"].(string)
	endpoint, _ = env.Data["endpoint"].(string)
	return uid, endpoint, nil
}

// KillActor asks every known node to stop the actor identified by uid.
// Only the node actually hosting it will succeed; the rest reply
// "actor not found", which is not treated as an error here.
func (c *Client) KillActor(uid string) error {
	eps := c.seedEndpoints()
	if len(eps) == 0 {
		return ErrNotInitialized
	}

	var lastErr error
	for _, ep := range eps {
		sock, err := transport.Dial(ep)
		if err != nil {
			lastErr = err
			continue
		}
		reply, err := sock.Request(transport.Message{"req": "kill_actor", "uid": uid}, requestTimeout)
		sock.Close()
		if err != nil {
			lastErr = err
			continue
		}
		env := toEnvelope(reply)
		if envelope.IsSuccess(env) {
			return nil
		}
		if env.Error != envelope.ErrActorNotFound {
			lastErr = fmt.Errorf("cluster: kill_actor failed: %s", env.Error)
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("cluster: kill_actor: %s: %w", uid, ErrActorNotFoundOnAnyNode)
}

// ErrActorNotFoundOnAnyNode is returned by KillActor when every known
// node reports the uid unknown.
var ErrActorNotFoundOnAnyNode = errors.New("actor not found on any known node")

// GetNodes returns the node list as seen by an arbitrary known node.
func (c *Client) GetNodes() ([]any, error) {
	eps := c.seedEndpoints()
	if len(eps) == 0 {
		return nil, ErrNotInitialized
	}
	sock, err := transport.Dial(eps[rand.Intn(len(eps))])
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	reply, err := sock.Request(transport.Message{"req": "get_nodes"}, requestTimeout)
	if err != nil {
		return nil, err
	}
	env := toEnvelope(reply)
	if !envelope.IsSuccess(env) {
		return nil, fmt.Errorf("cluster: get_nodes failed: %s", env.Error)
	}
	nodes, _ := env.Data["nodes"].([]any)
	return nodes, nil
}

func (c *Client) pickNode(strategy Strategy, affinityKey string) (string, error) {
	eps := c.seedEndpoints()
	if len(eps) == 0 {
		return "", ErrNotInitialized
	}

	switch strategy {
	case StrategyResource:
		return c.pickByResource(eps), nil
	case StrategyAffinity:
		return pickByAffinity(eps, affinityKey), nil
	default:
		return eps[rand.Intn(len(eps))], nil
	}
}

// pickByResource favors the node reporting the lowest CPU percent in
// its last host_info sample; nodes never sampled sort last.
func (c *Client) pickByResource(eps []string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := eps[0]
	bestLoad := 101.0
	for _, ep := range eps {
		info, ok := c.nodes[ep]
		if !ok || info.hostInfo == nil {
			continue
		}
		load, _ := info.hostInfo["cpu_percent"].(float64)
		if load < bestLoad {
			bestLoad = load
			best = ep
		}
	}
	return best
}

func pickByAffinity(eps []string, key string) string {
	sorted := append([]string(nil), eps...)
	sort.Strings(sorted)
	if key == "" {
		return sorted[0]
	}
	h := uint64(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 16777619
	}
	return sorted[h%uint64(len(sorted))]
}

// GetDirectory returns the full replicated actor directory as seen by
// an arbitrary node.
func (c *Client) GetDirectory() (map[string]any, error) {
	eps := c.seedEndpoints()
	if len(eps) == 0 {
		return nil, ErrNotInitialized
	}
	sock, err := transport.Dial(eps[rand.Intn(len(eps))])
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	reply, err := sock.Request(transport.Message{"req": "get_full_dir"}, requestTimeout)
	if err != nil {
		return nil, err
	}
	env := toEnvelope(reply)
	if !envelope.IsSuccess(env) {
		return nil, fmt.Errorf("cluster: get_full_dir failed: %s", env.Error)
	}
	return env.Data, nil
}

// Flush asks every known node to flush its instances.
func (c *Client) Flush() error {
	var firstErr error
	for _, ep := range c.seedEndpoints() {
		sock, err := transport.Dial(ep)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, err = sock.Request(transport.Message{"req": "flush"}, requestTimeout)
		sock.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetActorHandle mints a VirtualHandle addressing category within this
// client's realm.
func (c *Client) GetActorHandle(category string, mode handle.Mode) *handle.VirtualHandle {
	return handle.New(c.realm, category, mode, c.seedEndpoints())
}

// Close stops the background refresh loop.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
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
