package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/zde37/srbnfs/pkg"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a TCP dialer. A zero timeout leaves connect bounded only by the OS.
func NewDialer(timeout time.Duration) Dialer {
	return &net.Dialer{Timeout: timeout}
}

// Conn is a packet stream over one network connection. Writes are serialized
// by a per-connection lock; reads belong to a single goroutine.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	logger  *pkg.Logger
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, logger *pkg.Logger) *Conn {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger.WithFields(pkg.Fields{"remote": conn.RemoteAddr().String()}),
	}
}

// Dial connects to address and wraps the connection.
func Dial(ctx context.Context, d Dialer, address string, logger *pkg.Logger) (*Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConn(conn, logger), nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send writes one message. Failures are logged and returned; nothing is retried.
func (c *Conn) Send(m Message) error {
	return c.SendPacket(m.Packet())
}

// SendPacket writes one wire packet as a line.
func (c *Conn) SendPacket(p *Packet) error {
	line, err := p.Encode()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode packet")
		return err
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(line)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Error().
			Err(err).
			Str("packet_type", string(p.Type)).
			Msg("Failed to transport packet")
		return fmt.Errorf("failed to write %s packet: %w", p.Type, err)
	}

	c.logger.Trace().
		Str("packet_type", string(p.Type)).
		Int("bytes", len(line)).
		Msg("Transported packet")
	return nil
}

// Receive reads the next line and decodes it. It returns the raw line too.
//
// An I/O error or a blank line yields pkg.ErrDisconnected and the caller must
// stop reading. A line that does not decode yields pkg.ErrMalformedPacket and
// the connection stays usable.
func (c *Conn) Receive() (*Packet, []byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, pkg.ErrDisconnected
		}
		return nil, nil, fmt.Errorf("%w: %v", pkg.ErrDisconnected, err)
	}

	if len(bytes.TrimSpace(line)) == 0 {
		return nil, nil, fmt.Errorf("%w: blank line", pkg.ErrDisconnected)
	}

	p, err := Decode(line)
	if err != nil {
		return nil, line, err
	}
	return p, line, nil
}

// Discard drains anything the peer writes until the connection ends. The returned
// channel closes when the peer closes or the connection is closed locally.
// Used on one-shot outbound connections whose replies are of no interest.
func (c *Conn) Discard() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(io.Discard, c.reader)
	}()
	return done
}

// CloseWrite half-closes the connection so the peer reads EOF after the last packet.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close half-closes, then closes the connection.
func (c *Conn) Close() error {
	_ = c.CloseWrite()
	return c.conn.Close()
}
