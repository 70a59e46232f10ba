package coordinator

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/zde37/srbnfs/internal/protocol"
)

// ClientInfo is a read-only view of one registered connection.
type ClientInfo struct {
	ID          uuid.UUID         `json:"id"`
	Remote      string            `json:"remote"`
	Identity    protocol.Identity `json:"identity"`
	Program     string            `json:"program,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
}

// clientConnection is one accepted socket. Only the event loop touches
// identity and program; the reader goroutine only reads from conn.
type clientConnection struct {
	id          uuid.UUID
	conn        *protocol.Conn
	identity    protocol.Identity
	program     string
	connectedAt time.Time
}

func (c *clientConnection) info() ClientInfo {
	return ClientInfo{
		ID:          c.id,
		Remote:      c.conn.RemoteAddr(),
		Identity:    c.identity,
		Program:     c.program,
		ConnectedAt: c.connectedAt,
	}
}

// registry is the ordered set of live connections, owned by the event loop.
type registry struct {
	clients []*clientConnection
}

func (r *registry) add(c *clientConnection) {
	r.clients = append(r.clients, c)
}

// remove deletes the connection with exactly this id.
func (r *registry) remove(id uuid.UUID) (*clientConnection, bool) {
	i := slices.IndexFunc(r.clients, func(c *clientConnection) bool { return c.id == id })
	if i < 0 {
		return nil, false
	}
	c := r.clients[i]
	r.clients = slices.Delete(r.clients, i, i+1)
	return c, true
}

func (r *registry) get(id uuid.UUID) (*clientConnection, bool) {
	i := slices.IndexFunc(r.clients, func(c *clientConnection) bool { return c.id == id })
	if i < 0 {
		return nil, false
	}
	return r.clients[i], true
}

func (r *registry) len() int {
	return len(r.clients)
}

func (r *registry) snapshot() []ClientInfo {
	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.info())
	}
	return out
}

// closeAll closes every connection and empties the registry.
func (r *registry) closeAll() {
	for _, c := range r.clients {
		c.conn.Close()
	}
	r.clients = nil
}
