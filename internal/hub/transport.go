package hub

import (
	"github.com/zion/chat-app/internal/ws"
)

// WSTransport adapts the WebSocket server to the Transport interface.
type WSTransport struct {
	server *ws.Server
}

// NewWSTransport wraps a running WebSocket server.
func NewWSTransport(server *ws.Server) *WSTransport {
	return &WSTransport{server: server}
}

// Send enqueues data on the connection's outbound buffer.
func (t *WSTransport) Send(connID string, data []byte) error {
	return t.server.SendMessage(connID, data)
}

// Kick writes the final notice synchronously, bypassing the outbound queue
// so it cannot be dropped, then closes the connection.
func (t *WSTransport) Kick(connID string, lastWords []byte) {
	c := t.server.Connections().Get(connID)
	if c == nil {
		return
	}
	if lastWords != nil {
		_ = c.SendSync(lastWords)
	}
	t.server.RemoveConnection(c)
}
