// Package api provides the HTTP REST API and WebSocket event stream for
// keeper.
//
// It exposes the daemon's supervision status, the transition journal, and
// start/stop control, plus a WebSocket channel that relays daemon
// broadcasts to connected clients in real time.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api
