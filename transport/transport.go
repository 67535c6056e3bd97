// Package transport supplies concrete mqtt.Transport implementations
// wrapping net.Conn. The root package never imports net or crypto/tls
// directly; callers that need a real socket import this subpackage, and
// callers that don't (tests, in-process brokers) never pay for it.
package transport

import (
	"crypto/tls"
	"net"
	"time"
)

// Conn wraps a net.Conn, applying a fixed per-operation deadline to every
// Read and Write the way the corpus's own broker connection handling does,
// so a peer that stops responding mid-frame surfaces as a clean read/write
// error instead of hanging the receive or transmit strand forever.
type Conn struct {
	net.Conn
	// Timeout bounds each individual Read/Write call. Zero disables
	// deadlines entirely.
	Timeout time.Duration
}

// NewTCP dials addr over TCP and wraps the resulting connection.
func NewTCP(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, dialTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, Timeout: timeout}, nil
}

// NewTLS dials addr over TLS and wraps the resulting connection.
func NewTLS(addr string, cfg *tls.Config, timeout time.Duration) (*Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout(timeout)}
	c, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, Timeout: timeout}, nil
}

// Wrap adapts an already-established net.Conn (e.g. one accepted by a
// net.Listener or tls.Listener) into a deadline-applying Transport.
func Wrap(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{Conn: c, Timeout: timeout}
}

func dialTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.Timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.Timeout))
	}
	return c.Conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.Timeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	}
	return c.Conn.Write(b)
}

// Close is idempotent: net.Conn.Close already returns a benign error on a
// second call, which satisfies the mqtt.Transport contract that both the
// receive and transmit side may race to tear the connection down.
func (c *Conn) Close() error {
	return c.Conn.Close()
}
