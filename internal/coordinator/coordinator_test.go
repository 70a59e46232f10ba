package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/srbnfs/internal/config"
	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/internal/ring"
	"github.com/zde37/srbnfs/pkg"
)

func TestNewServer(t *testing.T) {
	topology, err := ring.New([]string{"127.0.0.1:7848", "127.0.0.1:9001"})
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		s, err := NewServer(testConfig(), topology, pkg.Nop())
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1:7848", "127.0.0.1:9001"}, s.Ring())
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewServer(nil, topology, pkg.Nop())
		assert.ErrorContains(t, err, "config cannot be nil")
	})

	t.Run("nil ring", func(t *testing.T) {
		_, err := NewServer(testConfig(), nil, pkg.Nop())
		assert.ErrorContains(t, err, "ring cannot be nil")
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewServer(testConfig(), topology, nil)
		assert.ErrorContains(t, err, "logger cannot be nil")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Port = -1
		_, err := NewServer(cfg, topology, pkg.Nop())
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("ring without relays", func(t *testing.T) {
		alone, err := ring.New([]string{"127.0.0.1:7848"})
		require.NoError(t, err)
		_, err = NewServer(testConfig(), alone, pkg.Nop())
		assert.ErrorIs(t, err, pkg.ErrInvalidRing)
	})
}

func TestServer_Provision(t *testing.T) {
	for n := 2; n <= 5; n++ {
		t.Run(fmt.Sprintf("ring of %d", n), func(t *testing.T) {
			relays := make([]*fakeRelay, n-1)
			addrs := []string{"127.0.0.1:7848"}
			for i := range relays {
				relays[i] = newFakeRelay(t)
				addrs = append(addrs, relays[i].addr())
			}

			topology, err := ring.New(addrs)
			require.NoError(t, err)
			s, err := NewServer(testConfig(), topology, pkg.Nop())
			require.NoError(t, err)

			require.NoError(t, s.Provision(context.Background()))

			for i, r := range relays {
				index := i + 1
				require.Eventually(t, func() bool {
					return len(r.ofType(protocol.TypeRootConfiguration)) == 1
				}, 2*time.Second, 10*time.Millisecond)

				m, err := r.ofType(protocol.TypeRootConfiguration)[0].Message()
				require.NoError(t, err)
				assert.Equal(t, addrs[(index+1)%n], m.(protocol.RootConfiguration).NextRelayAddress,
					"relay %d forwards to index %d", index, (index+1)%n)
				assert.Len(t, r.ofType(protocol.TypeHandshake), 1)
			}
		})
	}
}

func TestServer_ProvisionAbortsOnDialFailure(t *testing.T) {
	first := newFakeRelay(t)
	last := newFakeRelay(t)

	topology, err := ring.New([]string{"127.0.0.1:7848", first.addr(), deadAddr(t), last.addr()})
	require.NoError(t, err)
	s, err := NewServer(testConfig(), topology, pkg.Nop())
	require.NoError(t, err)

	err = s.Provision(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay #2")

	assert.Eventually(t, func() bool {
		return len(first.ofType(protocol.TypeRootConfiguration)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, last.connections(), "walk stops at the first failure")
}

func TestServer_RegistryTracksConnections(t *testing.T) {
	const n = 8
	relay := newFakeRelay(t)
	s, _ := startRoot(t, relay.addr())

	raws := make([]net.Conn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range raws {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raws[i], errs[i] = net.Dial("tcp", s.Addr())
		}(i)
	}
	wg.Wait()
	for i, raw := range raws {
		require.NoError(t, errs[i])
		t.Cleanup(func() { raw.Close() })
	}

	registered := waitClients(t, s, n)
	seen := make(map[string]bool)
	for _, c := range registered {
		assert.False(t, seen[c.ID.String()], "ids are unique")
		seen[c.ID.String()] = true
		assert.Equal(t, protocol.IdentityUnknown, c.Identity)
	}

	removed := raws[3].LocalAddr().String()
	require.NoError(t, raws[3].Close())

	remaining := waitClients(t, s, n-1)
	for _, c := range remaining {
		assert.NotEqual(t, removed, c.Remote, "exactly the closed connection is removed")
	}
}

func TestServer_Handshake(t *testing.T) {
	relay := newFakeRelay(t)
	s, logs := startRoot(t, relay.addr())

	tests := []struct {
		name     string
		identity protocol.Identity
	}{
		{"listener", protocol.IdentityListener},
		{"relay", protocol.IdentityRelay},
		{"root server", protocol.IdentityRootServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := connectPeer(t, s)
			require.NoError(t, p.conn.Send(protocol.NewHandshake("test", tt.identity)))

			assert.Eventually(t, func() bool {
				return identityOf(t, s, p.raw.LocalAddr().String()) == tt.identity
			}, 2*time.Second, 10*time.Millisecond)
		})
	}

	t.Run("missing identity", func(t *testing.T) {
		p := connectPeer(t, s)
		require.NoError(t, p.conn.Send(protocol.Handshake{ProgramName: "anonymous"}))
		require.NoError(t, p.conn.Send(protocol.NewHandshake("anonymous", protocol.IdentityListener)))

		assert.Eventually(t, func() bool {
			return identityOf(t, s, p.raw.LocalAddr().String()) == protocol.IdentityListener
		}, 2*time.Second, 10*time.Millisecond, "connection stays open after the bad handshake")
		assert.Equal(t, 1, logs.count("Handshake has no Identity"))
	})
}

func TestServer_MalformedLineKeepsConnection(t *testing.T) {
	relay := newFakeRelay(t)
	s, logs := startRoot(t, relay.addr())
	p := connectPeer(t, s)

	_, err := p.raw.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	require.NoError(t, p.conn.Send(protocol.NewHandshake("cli", protocol.IdentityListener)))

	assert.Eventually(t, func() bool {
		return identityOf(t, s, p.raw.LocalAddr().String()) == protocol.IdentityListener
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, logs.count("Failed to parse packet"))
}

func TestServer_RootConfigurationIgnored(t *testing.T) {
	relay := newFakeRelay(t)
	s, logs := startRoot(t, relay.addr())
	p := connectPeer(t, s)

	require.NoError(t, p.conn.Send(protocol.RootConfiguration{NextRelayAddress: "10.0.0.1:1"}))
	require.NoError(t, p.conn.Send(protocol.NewHandshake("cli", protocol.IdentityListener)))

	assert.Eventually(t, func() bool {
		return identityOf(t, s, p.raw.LocalAddr().String()) == protocol.IdentityListener
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, logs.count("Root server got configuration packet"))
}

func TestServer_InjectFile(t *testing.T) {
	relay := newFakeRelay(t)

	var mu sync.Mutex
	clock := time.Unix(1700000000, 0)
	s, _ := startRootWith(t, func(s *Server) {
		s.now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}
	}, relay.addr())

	listeners := []*peer{connectPeer(t, s), connectPeer(t, s)}
	for _, l := range listeners {
		require.NoError(t, l.conn.Send(protocol.NewHandshake("srbnfs_cli", protocol.IdentityListener)))
	}
	injector := connectPeer(t, s)
	waitClients(t, s, 3)

	require.NoError(t, injector.conn.Send(protocol.NewInjectFile("report.txt", []byte("hello"))))

	require.Eventually(t, func() bool {
		return len(relay.ofType(protocol.TypeRelayFile)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	ringMsg, err := relay.ofType(protocol.TypeRelayFile)[0].Message()
	require.NoError(t, err)
	ringCopy := ringMsg.(protocol.RelayFile)
	content, err := ringCopy.Decoded()
	require.NoError(t, err)
	assert.Equal(t, "report.txt", ringCopy.FileName)
	assert.Equal(t, "hello", string(content))

	stamps := map[int64]bool{ringCopy.StartTime: true}
	for _, p := range append(listeners, injector) {
		f := p.nextFile(t)
		content, err := f.Decoded()
		require.NoError(t, err)
		assert.Equal(t, "report.txt", f.FileName)
		assert.Equal(t, "hello", string(content))
		assert.False(t, stamps[f.StartTime], "every direct copy is stamped on its own")
		stamps[f.StartTime] = true
	}
}

func TestServer_InjectFileMissingFields(t *testing.T) {
	relay := newFakeRelay(t)
	s, logs := startRoot(t, relay.addr())
	dialer := &countingDialer{inner: protocol.NewDialer(time.Second)}
	s.SetDialer(dialer)

	p := connectPeer(t, s)
	require.NoError(t, p.conn.SendPacket(&protocol.Packet{
		Type: protocol.TypeInjectFile,
		Data: &protocol.Payload{FileName: "report.txt"},
	}))
	require.NoError(t, p.conn.Send(protocol.InjectFile{FileContent: "aGVsbG8="}))
	require.NoError(t, p.conn.Send(protocol.NewHandshake("cli", protocol.IdentityListener)))

	assert.Eventually(t, func() bool {
		return identityOf(t, s, p.raw.LocalAddr().String()) == protocol.IdentityListener
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, logs.count("InjectFile packet is missing FileName or FileContent"))
	assert.Equal(t, int32(0), dialer.calls.Load())
}

func TestServer_InjectFileRingUnreachable(t *testing.T) {
	s, logs := startRoot(t, deadAddr(t))

	listener := connectPeer(t, s)
	require.NoError(t, listener.conn.Send(protocol.NewHandshake("cli", protocol.IdentityListener)))
	injector := connectPeer(t, s)
	waitClients(t, s, 2)

	require.NoError(t, injector.conn.Send(protocol.NewInjectFile("report.txt", []byte("hello"))))

	f := listener.nextFile(t)
	assert.Equal(t, "report.txt", f.FileName, "clients are served even when the ring is down")
	assert.Equal(t, 1, logs.count("Failed to connect to initial relay"))

	// The loop keeps running.
	waitClients(t, s, 2)
}

func TestServer_RelayPacket(t *testing.T) {
	relay := newFakeRelay(t)
	s, logs := startRoot(t, relay.addr())

	listener := connectPeer(t, s)
	sender := connectPeer(t, s)
	waitClients(t, s, 2)

	f := protocol.NewRelayFile("external.txt", "aGVsbG8=", time.Unix(1700000100, 0))
	require.NoError(t, sender.conn.Send(f))

	require.Eventually(t, func() bool {
		return len(relay.ofType(protocol.TypeRelayFile)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, f.Packet(), relay.ofType(protocol.TypeRelayFile)[0])

	assert.Equal(t, f, listener.nextFile(t))
	assert.Equal(t, f, sender.nextFile(t), "fan-out reaches every client, the sender included")

	t.Run("returning lap is not forwarded again", func(t *testing.T) {
		last := connectPeer(t, s)
		require.NoError(t, last.conn.Send(protocol.NewHandshake(ProgramName, protocol.IdentityRelay)))
		require.NoError(t, last.conn.Send(f))

		assert.Eventually(t, func() bool {
			return logs.count("File completed its lap around the ring") == 1
		}, 2*time.Second, 10*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		assert.Len(t, relay.ofType(protocol.TypeRelayFile), 1)
	})
}

// manualClock is a clock the test moves by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestServer_AbandonedLapExpires(t *testing.T) {
	relay := newFakeRelay(t)
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	s, logs := startRootWith(t, func(s *Server) { s.now = clock.Now }, relay.addr())

	sender := connectPeer(t, s)
	waitClients(t, s, 1)

	// The first copy never comes back, as if a relay on the way was down.
	f := protocol.NewRelayFile("external.txt", "aGVsbG8=", time.Unix(1700000100, 0))
	require.NoError(t, sender.conn.Send(f))
	require.Eventually(t, func() bool {
		return len(relay.ofType(protocol.TypeRelayFile)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	clock.Advance(lapTimeout(s.config, s.ring) + time.Second)

	require.NoError(t, sender.conn.Send(f))
	assert.Eventually(t, func() bool {
		return len(relay.ofType(protocol.TypeRelayFile)) == 2
	}, 3*time.Second, 10*time.Millisecond, "a file arriving after the lap timeout is new")
	assert.Equal(t, 0, logs.count("File completed its lap around the ring"))
}

func TestServer_InjectEmptyFile(t *testing.T) {
	relay := newFakeRelay(t)
	s, logs := startRoot(t, relay.addr())

	listener := connectPeer(t, s)
	require.NoError(t, listener.conn.Send(protocol.NewHandshake("cli", protocol.IdentityListener)))
	waitClients(t, s, 1)

	require.NoError(t, listener.conn.Send(protocol.NewInjectFile("empty.txt", nil)))

	f := listener.nextFile(t)
	assert.Equal(t, "empty.txt", f.FileName)
	assert.Equal(t, "", f.FileContent)
	assert.Eventually(t, func() bool {
		return len(relay.ofType(protocol.TypeRelayFile)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, logs.count("missing FileName or FileContent"))
	assert.Positive(t, logs.count(`"file":"empty.txt"`))
	assert.Equal(t, 1, logs.count("Injected file"))
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	packets []*protocol.Packet
}

func (b *recordingBroadcaster) BroadcastFile(p *protocol.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = append(b.packets, p)
	return nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

func TestServer_Broadcaster(t *testing.T) {
	relay := newFakeRelay(t)
	s, _ := startRoot(t, relay.addr())
	b := &recordingBroadcaster{}
	s.SetBroadcaster(b)

	p := connectPeer(t, s)
	require.NoError(t, p.conn.Send(protocol.NewInjectFile("a.txt", []byte("a"))))

	assert.Eventually(t, func() bool { return b.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Stop(t *testing.T) {
	relay := newFakeRelay(t)

	topology, err := ring.New([]string{"127.0.0.1:0", relay.addr()})
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	s, err := NewServer(cfg, topology, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	p := connectPeer(t, s)
	waitClients(t, s, 1)

	require.NoError(t, s.Stop())

	_, _, err = p.conn.Receive()
	assert.ErrorIs(t, err, pkg.ErrDisconnected, "clients are closed on stop")

	_, err = s.Clients(context.Background())
	assert.ErrorIs(t, err, pkg.ErrServerClosed)
}
