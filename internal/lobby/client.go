package lobby

import (
	"net"
	"sync"

	"github.com/gamedepot/internal/model"
	"github.com/gamedepot/internal/protocol"
)

// Client is one player connection. Writes are serialized so responses and
// broadcast notifications never interleave bytes on the stream.
type Client struct {
	conn net.Conn
	addr string

	writeMu sync.Mutex

	mu           sync.Mutex
	player       *model.Player
	sessionToken string
}

// NewClient wraps an accepted connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, addr: conn.RemoteAddr().String()}
}

// Addr returns the remote address the connection was accepted from.
func (c *Client) Addr() string {
	return c.addr
}

// Send writes one frame, holding the write lock for the whole frame.
func (c *Client) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// Player returns the authenticated player, or nil before authentication.
func (c *Client) Player() *model.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

// SetPrincipal records the authenticated player and its session token.
func (c *Client) SetPrincipal(p *model.Player, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.player = p
	c.sessionToken = token
}

// ClearPrincipal drops the authenticated player and returns the session
// token that was bound to the connection.
func (c *Client) ClearPrincipal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.sessionToken
	c.player = nil
	c.sessionToken = ""
	return token
}
