// Package node implements the node controller: the per-machine process
// that supervises worker-instance hosts, replicates the actor
// directory with its peers, and answers the ops protocol used by both
// peers and the cluster client.
package node
