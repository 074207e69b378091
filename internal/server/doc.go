// Package server is the WebSocket transport of the real-time gateway.
//
// A connection is authenticated from the access_token query parameter during
// the handshake, registered in the hub and the user registry, and joined to
// the groups of its user's channels before its pumps start. From then on each
// inbound frame is decoded and dispatched on its own goroutine. Every path out
// of a joined connection leaves its groups, the registry and the hub.
//
// The hub owns the connections and the channel groups and is the Pusher the
// fanout writes through. Internal HTTP hooks expose presence and accept
// membership changes from the channel and workspace services.
package server
