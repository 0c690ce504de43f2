// Package scpi drives bench instruments over SCPI on a raw TCP socket.
package scpi

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/logger"
)

const (
	DefaultTimeout = 2 * time.Second
	terminator     = "\n"
)

// Conn is a line-oriented SCPI session with one instrument. Commands are
// serialized so that a query always reads its own response.
type Conn struct {
	mu      sync.Mutex
	device  string
	addr    string
	conn    net.Conn
	rw      *bufio.ReadWriter
	timeout time.Duration
	log     logger.Logger
}

// Option configures a Conn.
type Option func(*Conn)

// WithTimeout bounds every command round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(log logger.Logger) Option {
	return func(c *Conn) {
		c.log = log
	}
}

// Dial connects to the instrument at addr. device names the instrument in
// errors and logs.
func Dial(ctx context.Context, device, addr string, opts ...Option) (*Conn, error) {
	c := &Conn{
		device:  device,
		addr:    addr,
		timeout: DefaultTimeout,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, instrument.NewDeviceError(device, "Dial",
			errors.New().Wrap(instrument.ErrNotConnected, err).WithData(addr))
	}

	c.conn = conn
	c.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	c.log.Debug().Str("device", device).Str("addr", addr).Msg("Connected to instrument")

	return c, nil
}

// Write sends a command that has no response.
func (c *Conn) Write(op, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return instrument.NewDeviceError(c.device, op, c.send(cmd))
}

// Query sends a command and returns the trimmed response line.
func (c *Conn) Query(op, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.query(cmd)
	if err != nil {
		return "", instrument.NewDeviceError(c.device, op, err)
	}

	return resp, nil
}

// QueryFloat sends a query and parses the response as a number.
func (c *Conn) QueryFloat(op, cmd string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.query(cmd)
	if err != nil {
		return 0, instrument.NewDeviceError(c.device, op, err)
	}

	value, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, instrument.NewDeviceError(c.device, op,
			errors.New().Wrap(instrument.ErrInvalidResponse, err).WithData(resp))
	}

	return value, nil
}

// Identify returns the instrument's *IDN? string.
func (c *Conn) Identify() (string, error) {
	return c.Query("Identify", "*IDN?")
}

// Close closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rw = nil

	return err
}

func (c *Conn) send(cmd string) error {
	if c.conn == nil {
		return errors.New().WithData(instrument.ErrNotConnected, c.addr)
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}

	c.log.Debug().Str("device", c.device).Str("command", cmd).Msg("SCPI write")

	if _, err := c.rw.WriteString(cmd + terminator); err != nil {
		return err
	}

	return c.rw.Flush()
}

func (c *Conn) query(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}

	line, err := c.rw.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
