// Package relay implements the connection registry and per-connection relay
// sessions that make up the broadcast core of the relay server.
//
// A Registry tracks the live set of connection handles and fans a message out
// to every member except its originator. A Session owns one handle for the
// lifetime of a client: it registers the handle, forwards every inbound
// message through the Registry, and deregisters the handle exactly once when
// the connection ends, whether the client closed cleanly or the read failed.
//
// The package knows nothing about the wire transport. Anything that satisfies
// Handle can take part in a relay.
package relay
