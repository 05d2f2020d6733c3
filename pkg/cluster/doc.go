// Package cluster implements the cluster client: the external entry
// point used by callers outside the cluster (or by hivectl) to place
// actors, inspect the directory, and mint VirtualHandles. It bootstraps
// from a seed list and keeps a refreshed view of the node set.
package cluster
