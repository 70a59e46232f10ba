package coordinator

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/zde37/srbnfs/internal/protocol"
)

// event is anything the event loop consumes.
type event interface {
	name() string
}

// clientConnected is queued by the accept loop for every new socket.
type clientConnected struct {
	id   uuid.UUID
	conn net.Conn
}

// clientDisconnected is queued by a reader when its peer goes away.
type clientDisconnected struct {
	id uuid.UUID
}

// clientIdentified carries the identity a peer declared in its handshake.
type clientIdentified struct {
	id       uuid.UUID
	identity protocol.Identity
	program  string
}

// relayPacket is a RelayFile received from a peer.
type relayPacket struct {
	packet *protocol.Packet
	file   protocol.RelayFile
}

// injectFile asks the loop to push a new file into the ring.
type injectFile struct {
	fileName string
	content  string
}

// clientsQuery asks the loop for a registry snapshot.
type clientsQuery struct {
	reply chan []ClientInfo
}

func (clientConnected) name() string    { return "ClientConnected" }
func (clientDisconnected) name() string { return "ClientDisconnected" }
func (clientIdentified) name() string   { return "ClientIdentified" }
func (relayPacket) name() string        { return "RelayPacket" }
func (injectFile) name() string         { return "InjectFile" }
func (clientsQuery) name() string       { return "ClientsQuery" }

// eventQueue is an unbounded FIFO with many producers and one consumer.
// push never blocks, so a reader is never held up by a busy loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is available or ctx is done.
func (q *eventQueue) pop(ctx context.Context) (event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// drain removes and returns everything still queued.
func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
