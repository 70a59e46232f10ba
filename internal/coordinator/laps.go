package coordinator

import (
	"time"

	"github.com/zde37/srbnfs/internal/config"
	"github.com/zde37/srbnfs/internal/ring"
)

// lapMargin is added on top of the worst-case lap time.
const lapMargin = 10 * time.Second

// lapTimeout bounds how long a ring copy can take to come back: every hop
// may spend a dial timeout and the relay delay.
func lapTimeout(cfg *config.Config, topology *ring.Topology) time.Duration {
	return time.Duration(topology.Len())*(cfg.RelayDelay+cfg.DialTimeout) + lapMargin
}

// lapTracker remembers the ring copies still travelling. Copies abandoned
// somewhere on the ring expire, so a later file with the same key is treated
// as new. Owned by the event loop.
type lapTracker struct {
	ttl     time.Duration
	pending map[string][]time.Time // expiry per copy
}

func newLapTracker(ttl time.Duration) *lapTracker {
	return &lapTracker{ttl: ttl, pending: make(map[string][]time.Time)}
}

// sent records one more copy of key on the ring.
func (l *lapTracker) sent(key string, now time.Time) {
	l.prune(now)
	l.pending[key] = append(l.pending[key], now.Add(l.ttl))
}

// complete consumes one live copy of key and reports whether there was one.
func (l *lapTracker) complete(key string, now time.Time) bool {
	l.prune(now)

	copies := l.pending[key]
	if len(copies) == 0 {
		return false
	}
	if len(copies) == 1 {
		delete(l.pending, key)
	} else {
		l.pending[key] = copies[1:]
	}
	return true
}

// prune drops every expired copy.
func (l *lapTracker) prune(now time.Time) {
	for key, copies := range l.pending {
		live := copies[:0]
		for _, exp := range copies {
			if now.Before(exp) {
				live = append(live, exp)
			}
		}
		if len(live) == 0 {
			delete(l.pending, key)
			continue
		}
		l.pending[key] = live
	}
}

// len returns the number of live copies.
func (l *lapTracker) len() int {
	n := 0
	for _, copies := range l.pending {
		n += len(copies)
	}
	return n
}
