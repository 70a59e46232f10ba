package coordinator

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/srbnfs/internal/config"
	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/internal/ring"
	"github.com/zde37/srbnfs/pkg"
)

// logBuffer collects JSON log lines from concurrent goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func newTestLogger(t *testing.T) (*pkg.Logger, *logBuffer) {
	t.Helper()
	logs := &logBuffer{}
	lc := pkg.DefaultConfig()
	lc.Level = "debug"
	lc.Writer = logs
	logger, err := pkg.New(lc)
	require.NoError(t, err)
	return logger, logs
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.DialTimeout = time.Second
	return cfg
}

// countingDialer records every dial attempt.
type countingDialer struct {
	calls atomic.Int32
	inner protocol.Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	return d.inner.DialContext(ctx, network, address)
}

// fakeRelay accepts connections and records every packet it reads.
type fakeRelay struct {
	ln      net.Listener
	mu      sync.Mutex
	packets []*protocol.Packet
	conns   int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.conns++
			r.mu.Unlock()

			go func() {
				c := protocol.NewConn(raw, pkg.Nop())
				defer c.Close()
				for {
					p, _, err := c.Receive()
					if err != nil {
						return
					}
					r.mu.Lock()
					r.packets = append(r.packets, p)
					r.mu.Unlock()
				}
			}()
		}
	}()
	return r
}

func (r *fakeRelay) addr() string { return r.ln.Addr().String() }

func (r *fakeRelay) ofType(pt protocol.PacketType) []*protocol.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Packet
	for _, p := range r.packets {
		if p.Type == pt {
			out = append(out, p)
		}
	}
	return out
}

func (r *fakeRelay) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startRoot starts a root server whose ring is [itself, relays...].
func startRoot(t *testing.T, relays ...string) (*Server, *logBuffer) {
	t.Helper()
	return startRootWith(t, nil, relays...)
}

// startRootWith lets the caller adjust the server before it starts.
func startRootWith(t *testing.T, setup func(*Server), relays ...string) (*Server, *logBuffer) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	topology, err := ring.New(append([]string{ln.Addr().String()}, relays...))
	require.NoError(t, err)

	logger, logs := newTestLogger(t)
	s, err := NewServer(testConfig(), topology, logger)
	require.NoError(t, err)
	if setup != nil {
		setup(s)
	}

	s.StartListener(ln)
	t.Cleanup(func() { s.Stop() })
	return s, logs
}

// peer is a test client connected to the root server.
type peer struct {
	conn *protocol.Conn
	raw  net.Conn
}

func connectPeer(t *testing.T, s *Server) *peer {
	t.Helper()
	raw, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	p := &peer{conn: protocol.NewConn(raw, pkg.Nop()), raw: raw}

	pkt, _, err := p.conn.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHandshake, pkt.Type, "root server greets first")
	return p
}

// nextFile reads until a RelayFile arrives.
func (p *peer) nextFile(t *testing.T) protocol.RelayFile {
	t.Helper()
	require.NoError(t, p.raw.SetReadDeadline(time.Now().Add(3*time.Second)))
	defer p.raw.SetReadDeadline(time.Time{})

	for {
		pkt, _, err := p.conn.Receive()
		require.NoError(t, err)
		if pkt.Type != protocol.TypeRelayFile {
			continue
		}
		m, err := pkt.Message()
		require.NoError(t, err)
		return m.(protocol.RelayFile)
	}
}

func clients(t *testing.T, s *Server) []ClientInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := s.Clients(ctx)
	require.NoError(t, err)
	return out
}

func waitClients(t *testing.T, s *Server, n int) []ClientInfo {
	t.Helper()
	var out []ClientInfo
	require.Eventually(t, func() bool {
		out = clients(t, s)
		return len(out) == n
	}, 3*time.Second, 10*time.Millisecond)
	return out
}

func identityOf(t *testing.T, s *Server, remote string) protocol.Identity {
	t.Helper()
	for _, c := range clients(t, s) {
		if c.Remote == remote {
			return c.Identity
		}
	}
	return ""
}
