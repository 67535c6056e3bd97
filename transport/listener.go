package transport

import (
	"crypto/tls"
	"net"
	"time"
)

// Listener accepts net.Conn connections and wraps each one as a
// deadline-applying Transport, for the server (broker-accepted) role.
type Listener struct {
	net.Listener
	Timeout time.Duration
}

// ListenTCP opens a plain TCP listener on addr.
func ListenTCP(addr string, timeout time.Duration) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, Timeout: timeout}, nil
}

// ListenTLS opens a TLS listener on addr using cfg.
func ListenTLS(addr string, cfg *tls.Config, timeout time.Duration) (*Listener, error) {
	l, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, Timeout: timeout}, nil
}

// Accept blocks for the next inbound connection and returns it wrapped as
// a Transport.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Wrap(c, l.Timeout), nil
}
