// Package watch follows a live node tree and turns its op stream into digests.
//
// A Session owns all state for one connection: the node cache, the visited and
// in-flight subscription sets, the member directory and the pending digests. It runs
// as a single goroutine fed by the transport's multiplexed event channel, so none of
// that state is locked. A reconnect builds a new Session from scratch.
//
// Per target node, changes are collected until the debounce period passes without a
// new change, then one digest is rendered and handed to the Sink.
package watch
