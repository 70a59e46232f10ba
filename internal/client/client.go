// Package client holds the command-line side of the protocol: injecting a file
// at a root server and listening for the files it fans out.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/pkg"
)

// ProgramName is announced in the listener handshake.
const ProgramName = "srbnfs_cli"

// Inject sends one file to the root server at address. It returns once the
// root server has read the packet and closed the connection, or ctx is done.
func Inject(ctx context.Context, d protocol.Dialer, address, name string, content []byte, logger *pkg.Logger) error {
	if name == "" {
		return fmt.Errorf("%w: file name is empty", pkg.ErrMissingField)
	}
	if logger == nil {
		logger = pkg.Nop()
	}

	conn, err := protocol.Dial(ctx, d, address, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := conn.Discard()

	if err := conn.Send(protocol.NewInjectFile(name, content)); err != nil {
		return err
	}
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("failed to finish injection: %w", err)
	}

	logger.Info().
		Str("file", name).
		Int("size", len(content)).
		Str("root_server", address).
		Msg("Injected file")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen registers as a listener at the root server and writes every relayed
// file packet to w, one JSON line each, until the root server disconnects or
// ctx is done.
func Listen(ctx context.Context, d protocol.Dialer, address string, w io.Writer, logger *pkg.Logger) error {
	if logger == nil {
		logger = pkg.Nop()
	}

	conn, err := protocol.Dial(ctx, d, address, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.Send(protocol.NewHandshake(ProgramName, protocol.IdentityListener)); err != nil {
		return err
	}
	logger.Info().Str("root_server", address).Msg("Listening for relayed files")

	for {
		packet, line, err := conn.Receive()
		if errors.Is(err, pkg.ErrMalformedPacket) {
			logger.Warn().Err(err).Msg("Failed to parse packet, ignoring")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Info().Msg("Root server disconnected")
			return nil
		}

		if packet.Type != protocol.TypeRelayFile {
			logger.Debug().Str("packet_type", string(packet.Type)).Msg("Skipping packet")
			continue
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("failed to write file packet: %w", err)
		}
	}
}
