// Package server implements the HTTP and WebSocket front end of the relay.
//
// The implementation is organized into specialized files for configuration,
// origin and admission checks, routing, HTTP handlers, and server lifecycle.
// The relay core itself lives in the relay package; this package only
// accepts connections, wraps them as relay handles, and runs one session per
// connection.
package server
