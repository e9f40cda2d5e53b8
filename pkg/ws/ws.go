// Package ws implements the websocket transport layer: a hub owning the set
// of live connections and the read/write pumps per connection. It is
// protocol-agnostic; frames are passed to the registered packet callback
// without interpretation. Connections are admitted unauthenticated, since
// identity is established in-band by the protocol layer, so every connection
// gets a server-assigned connection id.
package ws

import (
	"net/http"
)

type Hub interface {
	Connect(Conn)
	Disconnect(Conn)
	Start()
	// Close closes the hub and releases its resources with a time out.
	// It waits for the clean up to complete or until the time out.
	Close()
	// ServeHTTP upgrades the HTTP request to a websocket connection and adds
	// it to the hub.
	ServeHTTP(w http.ResponseWriter, r *http.Request)
	// Send delivers a packet to the given connections. Unknown connection
	// ids are skipped; a connection with a blocked send channel is dropped.
	Send(p *OutPacket, connIDs ...string)

	OnPacket(func(*InPacket))
	OnConnect(func(Conn))
	OnDisconnect(func(Conn))

	// pass hands an inbound packet to the hub. If the hub is not running the
	// packet is dropped.
	pass(*InPacket)
}

type ConnFactory interface {
	// NewConn creates a connection from the request and response, reporting
	// false when the upgrade failed.
	NewConn(w http.ResponseWriter, r *http.Request, hub Hub) (Conn, bool)
}

type Conn interface {
	// pass returns a write-only channel the hub uses to send packets to the
	// peer.
	pass() chan<- *OutPacket
	// close initiates the closing of the connection. Non-blocking.
	close()
	// ID returns the server-assigned connection id. Each physical connection
	// has its own id, even when one user holds several.
	ID() string
	readLoop()
	writeLoop()
}
