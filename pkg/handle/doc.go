// Package handle implements the VirtualHandle: a category-addressed
// client. A handle caches the known endpoints for one (realm, category)
// pair, refreshes that cache from a directory service in the
// background, and picks a concrete endpoint per call according to its
// mode (random or affinity). Sockets are pooled across calls and only
// discarded on failure or timeout.
package handle
