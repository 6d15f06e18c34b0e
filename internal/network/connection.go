// Package network establishes the single peer-to-peer connection a netplay
// match runs on and frames packets over it. TCP and WebSocket streams are
// supported; both end up as a net.Conn wrapped in a Connection.
package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/protocol"
)

// Default timeouts.
const (
	DefaultIdleTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Timeouts bound blocking reads and writes. Zero disables a deadline.
type Timeouts struct {
	// Idle is how long a read may wait for the next packet.
	Idle time.Duration
	// Write is how long one packet write may take.
	Write time.Duration
}

// DefaultTimeouts returns the standard deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Idle: DefaultIdleTimeout, Write: DefaultWriteTimeout}
}

// Connection carries netplay packets over a byte stream.
// Reads happen on one goroutine; writes may come from several and are
// serialized so a packet is always written whole.
type Connection struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     net.Conn
	reader   *protocol.Reader
	out      *protocol.Buffer
	timeouts Timeouts
	logger   zerolog.Logger

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// State
	closed bool
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, timeouts Timeouts) *Connection {
	now := time.Now()
	return &Connection{
		conn:         conn,
		reader:       protocol.NewReader(conn),
		out:          protocol.NewBuffer(0),
		timeouts:     timeouts,
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Str("remote", remoteString(conn)).
			Logger(),
	}
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// ReadPacket reads a single packet from the connection.
// Blocks until a packet is available or the idle timeout expires.
func (c *Connection) ReadPacket() (protocol.Packet, error) {
	if c.timeouts.Idle > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.timeouts.Idle))
	}

	p, err := c.reader.ReadPacket()
	if err != nil && !protocol.IsRecoverable(err) {
		return nil, err
	}

	c.touch()
	return p, err
}

// WritePacket encodes and sends one packet.
func (c *Connection) WritePacket(p protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsClosed() {
		return fmt.Errorf("connection is closed: %w", net.ErrClosed)
	}

	c.out.Reset()
	if err := protocol.EncodeTo(c.out, p); err != nil {
		return err
	}

	if c.timeouts.Write > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
	}
	if _, err := c.conn.Write(c.out.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s packet: %w", p.Type(), err)
	}

	c.touch()
	return nil
}

// Rendezvous blocks until both peers reach this point. The server reads a
// 16-bit value and echoes it back; the client sends 0 and waits for the echo.
func (c *Connection) Rendezvous(role events.Role, timeout time.Duration) error {
	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch role {
	case events.RoleServer:
		v, err := c.reader.ReadInt16()
		if err != nil {
			return fmt.Errorf("failed to read sync value: %w", err)
		}
		if err := c.writeRaw(v); err != nil {
			return err
		}
	default:
		if err := c.writeRaw(0); err != nil {
			return err
		}
		if _, err := c.reader.ReadInt16(); err != nil {
			return fmt.Errorf("failed to read sync echo: %w", err)
		}
	}

	c.touch()
	c.logger.Info().Msg("peers synchronized")
	return nil
}

func (c *Connection) writeRaw(v int16) error {
	c.out.Reset()
	c.out.WriteInt16(v)
	if _, err := c.conn.Write(c.out.Bytes()); err != nil {
		return fmt.Errorf("failed to write sync value: %w", err)
	}
	return nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close closes the connection. It unblocks a pending read.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Info().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
