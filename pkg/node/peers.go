package node

import (
	"sync"
	"time"
)

// Peer is one other node controller this node knows about.
type Peer struct {
	Endpoint string
	LastSeen time.Time
	HostInfo map[string]any
}

// peerTable tracks every peer this node has learned of, keyed by
// endpoint. A peer that fails a single keepalive is evicted outright
// rather than marked dead in place — there is no "suspect" state,
// matching the cluster's simple push/pull gossip rather than a
// SWIM-style protocol.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*Peer)}
}

func (pt *peerTable) upsert(endpoint string, hostInfo map[string]any) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.peers[endpoint]
	if !ok {
		p = &Peer{Endpoint: endpoint}
		pt.peers[endpoint] = p
	}
	p.LastSeen = time.Now()
	if hostInfo != nil {
		p.HostInfo = hostInfo
	}
}

func (pt *peerTable) remove(endpoint string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peers, endpoint)
}

func (pt *peerTable) list() []Peer {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, *p)
	}
	return out
}

func (pt *peerTable) endpoints() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]string, 0, len(pt.peers))
	for ep := range pt.peers {
		out = append(out, ep)
	}
	return out
}

func (pt *peerTable) size() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}
