package lobby

import "sync"

// Registry tracks open player connections so room broadcasts can reach
// every member whose session is currently connected.
type Registry struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[*Client]struct{})}
}

// Add registers an open connection.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
}

// Remove drops a connection.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// FindByPlayer returns the connection authenticated as the given player,
// or nil when that player has no open session.
func (r *Registry) FindByPlayer(playerID int64) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if p := c.Player(); p != nil && p.ID == playerID {
			return c
		}
	}
	return nil
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
