// Package instancehost implements the worker-instance host: the
// process a node controller spawns to run actors in. It exposes a
// small ops endpoint (keepalive, start_actor, kill_actor, flush) and
// constructs actors from a linked-in registry rather than loading code
// from disk.
package instancehost
