package developer

import (
	"net"
	"sync"

	"github.com/gamedepot/internal/model"
	"github.com/gamedepot/internal/protocol"
)

// Client is one developer connection. Principal and upload state are owned
// by the connection's handler goroutine; only writes need a lock.
type Client struct {
	conn net.Conn
	addr string

	writeMu sync.Mutex

	developer    *model.Developer
	sessionToken string
	upload       *upload
}

// NewClient wraps an accepted connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, addr: conn.RemoteAddr().String()}
}

// Addr returns the remote address the client connected from.
func (c *Client) Addr() string {
	return c.addr
}

// Send writes one framed message. Writes are serialized per connection.
func (c *Client) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// Developer returns the authenticated principal, or nil.
func (c *Client) Developer() *model.Developer {
	return c.developer
}

// SetPrincipal binds the connection to an authenticated developer.
func (c *Client) SetPrincipal(d *model.Developer, token string) {
	c.developer = d
	c.sessionToken = token
}

// ClearPrincipal drops the principal and returns the session token that was
// bound to it, if any.
func (c *Client) ClearPrincipal() string {
	token := c.sessionToken
	c.developer = nil
	c.sessionToken = ""
	return token
}
