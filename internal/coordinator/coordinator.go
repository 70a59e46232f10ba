// Package coordinator implements the root server: it provisions the relays,
// registers every connecting client, and starts files on their way around
// the ring while fanning them out to its own clients.
//
// All registry access happens on a single event loop. The accept loop and the
// per-connection readers only queue events for it.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/srbnfs/internal/config"
	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/internal/ring"
	"github.com/zde37/srbnfs/pkg"
)

// ProgramName is announced to every peer on connect.
const ProgramName = "srbnfs_root_server"

// FileBroadcaster receives a copy of every file the root server fans out.
type FileBroadcaster interface {
	BroadcastFile(packet *protocol.Packet) error
}

// Server is the root server of a ring.
type Server struct {
	config *config.Config
	ring   *ring.Topology
	logger *pkg.Logger

	dialer      protocol.Dialer
	broadcaster FileBroadcaster
	now         func() time.Time
	hookMu      sync.RWMutex

	listener net.Listener
	events   *eventQueue

	// Owned by the event loop.
	clients registry
	laps    *lapTracker

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a root server for the given ring. Index 0 of the ring is
// this server; at least one relay must follow it.
func NewServer(cfg *config.Config, topology *ring.Topology, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if topology == nil {
		return nil, fmt.Errorf("ring cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if topology.Len() < 2 {
		return nil, fmt.Errorf("%w: ring has no relays", pkg.ErrInvalidRing)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config: cfg,
		ring:   topology.Clone(),
		logger: logger.WithFields(pkg.Fields{"component": "root_server"}),
		dialer: protocol.NewDialer(cfg.DialTimeout),
		now:    time.Now,
		events: newEventQueue(),
		laps:   newLapTracker(lapTimeout(cfg, topology)),
		ctx:    ctx,
		cancel: cancel,
	}

	s.logger.Info().
		Strs("ring", topology.Addresses()).
		Msg("Root server created")

	return s, nil
}

// SetDialer replaces the dialer used for relays.
func (s *Server) SetDialer(d protocol.Dialer) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.dialer = d
}

// SetBroadcaster registers an extra sink for fanned-out files.
func (s *Server) SetBroadcaster(b FileBroadcaster) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.broadcaster = b
}

func (s *Server) hooks() (protocol.Dialer, FileBroadcaster) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.dialer, s.broadcaster
}

// Ring returns the ring addresses.
func (s *Server) Ring() []string {
	return s.ring.Addresses()
}

// Links returns every relay paired with its next hop.
func (s *Server) Links() []ring.Link {
	return s.ring.Links()
}

// Provision walks the ring once and tells every relay its next hop. Any
// failure aborts the walk; the root server cannot run with a broken ring.
func (s *Server) Provision(ctx context.Context) error {
	dialer, _ := s.hooks()

	s.logger.Info().Int("relays", s.ring.Len()-1).Msg("Connecting servers in ring")

	for _, link := range s.ring.Links() {
		logger := s.logger.WithFields(pkg.Fields{"relay_index": link.Index, "relay": link.Relay, "next": link.Next})
		logger.Debug().Msg("Provisioning relay")

		conn, err := protocol.Dial(ctx, dialer, link.Relay, s.logger)
		if err != nil {
			return fmt.Errorf("failed to provision relay #%d: %w", link.Index, err)
		}

		_ = conn.Send(protocol.NewHandshake(ProgramName, protocol.IdentityRootServer))
		err = conn.Send(protocol.RootConfiguration{NextRelayAddress: link.Next})
		conn.Close()
		if err != nil {
			return fmt.Errorf("failed to provision relay #%d: %w", link.Index, err)
		}

		logger.Info().Msg("Relay provisioned")
	}
	return nil
}

// Start binds the configured address and starts the accept and event loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.StartListener(listener)
	return nil
}

// StartListener serves on an existing listener.
func (s *Server) StartListener(listener net.Listener) {
	s.listener = listener

	s.wg.Add(2)
	go s.eventLoop()
	go s.acceptLoop()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Root server waiting for incoming connections")
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all client connections and waits for every goroutine.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping root server")

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Root server stopped")
	return nil
}

// Clients returns a snapshot of the registry, taken by the event loop.
func (s *Server) Clients(ctx context.Context) ([]ClientInfo, error) {
	reply := make(chan []ClientInfo, 1)
	s.events.push(clientsQuery{reply: reply})

	select {
	case clients := <-reply:
		return clients, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, pkg.ErrServerClosed
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Accept failed, root server stops accepting")
			}
			return
		}

		if s.ctx.Err() != nil {
			conn.Close()
			return
		}

		id := uuid.New()
		s.logger.Info().
			Str("client_id", id.String()).
			Str("remote", conn.RemoteAddr().String()).
			Msg("Client connected")

		s.events.push(clientConnected{id: id, conn: conn})
	}
}

// readClient is the per-connection reader. It never touches the registry.
func (s *Server) readClient(c *clientConnection) {
	defer s.wg.Done()
	defer s.events.push(clientDisconnected{id: c.id})

	logger := s.logger.WithFields(pkg.Fields{"client_id": c.id.String(), "remote": c.conn.RemoteAddr()})
	logger.Trace().Msg("Started client reader")

	_ = c.conn.Send(protocol.NewHandshake(ProgramName, protocol.IdentityRootServer))

	for {
		packet, _, err := c.conn.Receive()
		if err != nil {
			if isMalformed(err) {
				logger.Error().Err(err).Msg("Failed to parse packet, ignoring")
				continue
			}
			logger.Debug().Err(err).Msg("Client disconnected")
			return
		}

		msg, err := packet.Message()
		if err != nil {
			if packet.Type == protocol.TypeInjectFile {
				logger.Warn().Err(err).Msg("InjectFile packet is missing FileName or FileContent, ignoring")
			} else {
				logger.Error().Err(err).Msg("Invalid packet, ignoring")
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.Handshake:
			if !m.Declared() {
				logger.Error().Str("program", m.ProgramName).Msg("Handshake has no Identity, ignoring")
				continue
			}
			s.events.push(clientIdentified{
				id:       c.id,
				identity: protocol.ParseIdentity(m.Identity),
				program:  m.ProgramName,
			})

		case protocol.RootConfiguration:
			logger.Error().Msg("Root server got configuration packet, ignoring")

		case protocol.RelayFile:
			s.events.push(relayPacket{packet: packet, file: m})

		case protocol.InjectFile:
			s.events.push(injectFile{fileName: m.FileName, content: m.FileContent})
		}
	}
}
