// Package ring holds the static ring topology shared by the root server and its relays.
package ring

import (
	"fmt"

	"github.com/zde37/srbnfs/pkg"
)

// Topology is an ordered list of node addresses with a cyclic cursor.
// Index 0 is the root server. The address list never changes after New;
// only the cursor moves, so each owner works on its own Clone.
type Topology struct {
	addrs  []string
	cursor int
}

// New creates a topology from the ordered address list.
func New(addrs []string) (*Topology, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses", pkg.ErrInvalidRing)
	}
	for i, a := range addrs {
		if a == "" {
			return nil, fmt.Errorf("%w: empty address at index %d", pkg.ErrInvalidRing, i)
		}
	}

	cp := make([]string, len(addrs))
	copy(cp, addrs)
	return &Topology{addrs: cp}, nil
}

// Advance moves the cursor one step, wrapping to index 0, and returns the new address.
func (t *Topology) Advance() string {
	t.cursor = (t.cursor + 1) % len(t.addrs)
	return t.addrs[t.cursor]
}

// At returns the address at index i. Out of range indexes panic.
func (t *Topology) At(i int) string {
	return t.addrs[i]
}

// Len returns the number of nodes in the ring, root server included.
func (t *Topology) Len() int {
	return len(t.addrs)
}

// Cursor returns the current cursor position.
func (t *Topology) Cursor() int {
	return t.cursor
}

// Addresses returns a copy of the address list.
func (t *Topology) Addresses() []string {
	cp := make([]string, len(t.addrs))
	copy(cp, t.addrs)
	return cp
}

// Clone returns an independent copy with the same cursor.
func (t *Topology) Clone() *Topology {
	return &Topology{addrs: t.addrs, cursor: t.cursor}
}

// Link is one relay's provisioning assignment.
type Link struct {
	Index int    `json:"index"` // Ring index of the relay
	Relay string `json:"relay"` // Address of the relay
	Next  string `json:"next"`  // Address the relay forwards to
}

// Links walks the ring on a clone, skipping index 0, and pairs every relay
// with its successor. The last relay's successor is the root server.
func (t *Topology) Links() []Link {
	walk := t.Clone()
	walk.cursor = 0
	walk.Advance()

	links := make([]Link, 0, len(t.addrs)-1)
	for i := 1; i < walk.Len(); i++ {
		links = append(links, Link{
			Index: i,
			Relay: walk.At(i),
			Next:  walk.Advance(),
		})
	}
	return links
}

// FirstRelay returns the address the root server injects into.
func (t *Topology) FirstRelay() string {
	return t.At(1)
}
