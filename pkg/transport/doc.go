// Package transport implements the cluster's request/reply sockets.
//
// Every message on the wire is a self-describing map with string keys,
// framed as a 4-byte big-endian length prefix followed by a JSON body.
// A ReplySocket binds a TCP listener (there is no connect mode) and
// serves one inbound request at a time per connection, in strict
// request/reply order. A RequestSocket
// connects once and issues single-shot, caller-timed requests; a
// request that times out poisons the socket, and the caller must not
// reuse it (the connection's state on the wire is unknown).
package transport
