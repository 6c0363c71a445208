// Package sharedb is a minimal read-only ShareDB client.
//
// It speaks the ShareDB wire protocol (JSON text frames) over a websocket, subscribes
// documents and reports snapshots and json0 operations on one multiplexed event channel.
// Frames are delivered in socket order, so events for a single document are FIFO.
//
// Only the subset needed to follow documents is implemented: handshake, subscribe and
// op broadcasts. Submitting ops is not supported.
package sharedb
