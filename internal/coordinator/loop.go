package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/pkg"
)

func isMalformed(err error) bool {
	return errors.Is(err, pkg.ErrMalformedPacket)
}

// lapKey identifies a ring copy by name and timestamp.
func lapKey(f protocol.RelayFile) string {
	return fmt.Sprintf("%s@%d", f.FileName, f.StartTime)
}

// eventLoop is the only goroutine that reads or writes the registry.
func (s *Server) eventLoop() {
	defer s.wg.Done()
	defer s.shutdownClients()

	s.logger.Debug().Msg("Started message queue mainloop")

	for {
		ev, ok := s.events.pop(s.ctx)
		if !ok {
			return
		}
		s.logger.Trace().Str("event", ev.name()).Msg("Got message")
		s.dispatch(ev)
	}
}

func (s *Server) dispatch(ev event) {
	switch e := ev.(type) {
	case clientConnected:
		s.handleConnected(e)
	case clientDisconnected:
		s.handleDisconnected(e)
	case clientIdentified:
		s.handleIdentified(e)
	case relayPacket:
		s.handleRelayPacket(e)
	case injectFile:
		s.handleInjectFile(e)
	case clientsQuery:
		e.reply <- s.clients.snapshot()
	}
}

func (s *Server) handleConnected(e clientConnected) {
	c := &clientConnection{
		id:          e.id,
		conn:        protocol.NewConn(e.conn, s.logger),
		identity:    protocol.IdentityUnknown,
		connectedAt: time.Now(),
	}
	s.clients.add(c)

	s.logger.Debug().
		Str("client_id", e.id.String()).
		Int("clients", s.clients.len()).
		Msg("Adding new client to connection list")

	s.wg.Add(1)
	go s.readClient(c)
}

func (s *Server) handleDisconnected(e clientDisconnected) {
	c, ok := s.clients.remove(e.id)
	if !ok {
		s.logger.Debug().Str("client_id", e.id.String()).Msg("Disconnect for unknown client")
		return
	}
	c.conn.Close()

	s.logger.Info().
		Str("client_id", e.id.String()).
		Str("identity", string(c.identity)).
		Int("clients", s.clients.len()).
		Msg("Client disconnected")
}

func (s *Server) handleIdentified(e clientIdentified) {
	c, ok := s.clients.get(e.id)
	if !ok {
		return
	}
	c.identity = e.identity
	c.program = e.program

	s.logger.Info().
		Str("client_id", e.id.String()).
		Str("identity", string(e.identity)).
		Str("program", e.program).
		Msg("Client identified")
}

// handleRelayPacket deals with a RelayFile sent to the root server. A ring copy
// coming back from the last relay within its lap timeout has finished its lap
// and stops here. Any other file is sent into the ring and to every client.
func (s *Server) handleRelayPacket(e relayPacket) {
	logger := s.logger.WithFields(pkg.Fields{"file": e.file.FileName, "start_time": e.file.StartTime})

	key := lapKey(e.file)
	if s.laps.complete(key, s.now()) {
		logger.Info().Msg("File completed its lap around the ring")
		return
	}

	if err := s.sendToRing(e.packet); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to initial relay, no clients will be informed of this file")
		return
	}
	s.laps.sent(key, s.now())

	s.fanOut(func() *protocol.Packet { return e.packet })
	logger.Info().Int("clients", s.clients.len()).Msg("Relayed file")
}

// handleInjectFile starts a new file around the ring and hands every client its
// own freshly stamped copy.
func (s *Server) handleInjectFile(e injectFile) {
	logger := s.logger.WithFields(pkg.Fields{"file": e.fileName})
	logger.Trace().Int("content_size", len(e.content)).Msg("Injecting file")

	ringCopy := protocol.NewRelayFile(e.fileName, e.content, s.now())
	if err := s.sendToRing(ringCopy.Packet()); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to initial relay, the ring will not see this file")
	} else {
		s.laps.sent(lapKey(ringCopy), s.now())
	}

	s.fanOut(func() *protocol.Packet {
		return protocol.NewRelayFile(e.fileName, e.content, s.now()).Packet()
	})
	logger.Info().Int("clients", s.clients.len()).Msg("Injected file")
}

// sendToRing delivers one packet to the first relay on a fresh connection.
func (s *Server) sendToRing(packet *protocol.Packet) error {
	dialer, _ := s.hooks()
	addr := s.ring.FirstRelay()

	s.logger.Debug().Str("relay", addr).Msg("Attempting to connect to initial relay")

	conn, err := protocol.Dial(s.ctx, dialer, addr, s.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.SendPacket(packet)
}

// fanOut sends a packet built by next to every registered client, whatever
// its identity, and to the broadcaster.
func (s *Server) fanOut(next func() *protocol.Packet) {
	for _, c := range s.clients.clients {
		_ = c.conn.SendPacket(next())
	}

	if _, b := s.hooks(); b != nil {
		if err := b.BroadcastFile(next()); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast file")
		}
	}
}

// shutdownClients runs when the loop exits.
func (s *Server) shutdownClients() {
	s.clients.closeAll()

	for _, ev := range s.events.drain() {
		if e, ok := ev.(clientConnected); ok {
			e.conn.Close()
		}
	}
}
