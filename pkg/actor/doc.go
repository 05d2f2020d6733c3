// Package actor implements the actor runtime contract: how a
// user-defined request handler binds to one endpoint, dispatches
// incoming requests to registered handlers, schedules periodic tasks,
// and shuts down gracefully.
//
// User actors embed Base and implement any request handlers they need
// via Handle; Init(params) and Deinit() are optional lifecycle hooks,
// picked up by interface assertion rather than required by the Actor
// interface itself.
package actor
