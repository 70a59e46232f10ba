// Package relay implements a ring hop: it learns its forwarding target from the
// root server and passes every file it receives on to that target.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zde37/srbnfs/internal/config"
	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/pkg"
)

// ProgramName is announced in the handshake sent to the next hop.
const ProgramName = "srbnfs_relay_server"

type configureRequest struct {
	address string
	reply   chan error
}

// Server accepts upstream connections and forwards files to the next hop.
type Server struct {
	config *config.Config
	logger *pkg.Logger
	dialer protocol.Dialer
	onFile func(protocol.RelayFile)
	hookMu sync.RWMutex

	listener net.Listener

	// The forwarding target is owned by run; other goroutines go through these.
	configure chan configureRequest
	lookup    chan chan string

	conns   map[net.Conn]struct{}
	connsMu sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay server. Call Start to begin accepting.
func NewServer(cfg *config.Config, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    cfg,
		logger:    logger.WithFields(pkg.Fields{"component": "relay"}),
		dialer:    protocol.NewDialer(cfg.DialTimeout),
		configure: make(chan configureRequest),
		lookup:    make(chan chan string),
		conns:     make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetDialer replaces the dialer used to reach the next hop.
func (s *Server) SetDialer(d protocol.Dialer) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.dialer = d
}

// OnFile registers a hook called for every file this relay accepts for forwarding.
func (s *Server) OnFile(fn func(protocol.RelayFile)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onFile = fn
}

// Start binds the configured address and starts accepting connections.
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
	go s.run()
	go s.acceptLoop()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Dur("delay", s.config.RelayDelay).
		Msg("Relay server started")
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection, then waits for handlers.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping relay server")

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Configure sets the forwarding target. A relay accepts exactly one target;
// later requests are refused with pkg.ErrAlreadyConfigured.
func (s *Server) Configure(address string) error {
	req := configureRequest{address: address, reply: make(chan error, 1)}
	select {
	case s.configure <- req:
	case <-s.ctx.Done():
		return pkg.ErrServerClosed
	}
	return <-req.reply
}

// Target returns the forwarding target, or pkg.ErrNotConfigured.
func (s *Server) Target() (string, error) {
	reply := make(chan string, 1)
	select {
	case s.lookup <- reply:
	case <-s.ctx.Done():
		return "", pkg.ErrServerClosed
	}
	next := <-reply
	if next == "" {
		return "", pkg.ErrNotConfigured
	}
	return next, nil
}

// run owns the forwarding target.
func (s *Server) run() {
	defer s.wg.Done()

	var next string
	for {
		select {
		case req := <-s.configure:
			if next != "" {
				req.reply <- fmt.Errorf("%w: keeping %s, refusing %s", pkg.ErrAlreadyConfigured, next, req.address)
				continue
			}
			next = req.address
			req.reply <- nil

		case reply := <-s.lookup:
			reply <- next

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Accept failed, relay stops accepting")
			}
			return
		}

		s.connsMu.Lock()
		if s.ctx.Err() != nil {
			s.connsMu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.logger.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("Upstream connected")

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the forwarding state machine for one upstream connection.
func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()

	conn := protocol.NewConn(raw, s.logger)
	logger := s.logger.WithFields(pkg.Fields{"remote": conn.RemoteAddr()})

	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, raw)
		s.connsMu.Unlock()
	}()

	for {
		packet, _, err := conn.Receive()
		if errors.Is(err, pkg.ErrMalformedPacket) {
			logger.Error().Err(err).Msg("Failed to parse packet, ignoring")
			continue
		}
		if err != nil {
			logger.Debug().Err(err).Msg("Upstream disconnected")
			return
		}

		msg, err := packet.Message()
		if err != nil {
			logger.Error().Err(err).Msg("Invalid packet, ignoring")
			continue
		}

		switch m := msg.(type) {
		case protocol.Handshake:
			logger.Debug().
				Str("program", m.ProgramName).
				Str("identity", m.Identity).
				Msg("Handshake received")

		case protocol.RootConfiguration:
			if err := s.Configure(m.NextRelayAddress); err != nil {
				logger.Error().Err(err).Msg("Root server configuration refused")
				continue
			}
			logger.Info().
				Str("next", m.NextRelayAddress).
				Msg("Root server configure: next address set")

		case protocol.RelayFile:
			if !s.forward(packet, m, logger) {
				return
			}

		case protocol.InjectFile:
			logger.Error().
				Str("file", m.FileName).
				Msg("Relay got InjectFile, injection is only accepted at the root server")
		}
	}
}

// forward passes the packet to the next hop after the propagation delay.
// It returns false when the upstream connection should be dropped.
func (s *Server) forward(packet *protocol.Packet, file protocol.RelayFile, logger *pkg.Logger) bool {
	next, err := s.Target()
	if err != nil {
		logger.Error().
			Err(err).
			Str("file", file.FileName).
			Msg("Got file before root server configuration, dropping connection")
		return false
	}

	s.hookMu.RLock()
	onFile, dialer := s.onFile, s.dialer
	s.hookMu.RUnlock()

	if onFile != nil {
		onFile(file)
	}

	logger = logger.WithFields(pkg.Fields{"file": file.FileName, "next": next})

	out, err := protocol.Dial(s.ctx, dialer, next, s.logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to next relay, file propagation stops here")
		return false
	}
	defer out.Close()
	out.Discard()

	_ = out.Send(protocol.NewHandshake(ProgramName, protocol.IdentityRelay))

	timer := time.NewTimer(s.config.RelayDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		logger.Warn().Msg("Relay stopping, file not forwarded")
		return false
	}

	if err := out.SendPacket(packet); err != nil {
		return true
	}

	logger.Info().
		Int64("start_time", file.StartTime).
		Msg("File forwarded")
	return true
}
