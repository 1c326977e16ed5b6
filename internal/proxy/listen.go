package proxy

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// ListenOptions configures ListenTCP.
type ListenOptions struct {
	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEPORT so several processes can share addr.
	ReusePort bool

	// ProxyProtocol accepts an optional HAProxy PROXY v1/v2 header ahead of
	// each connection and reports its source as the RemoteAddr.
	ProxyProtocol bool

	// ProxyHeaderTimeout bounds the wait for a PROXY header.
	ProxyHeaderTimeout time.Duration
}

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies opts to accepted connections.
func ListenTCP(ctx context.Context, network, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{}
	if opts.ReusePort {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = setReusePort(fd)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		}
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	ln = &KeepAliveListener{Listener: ln, KeepAliveConfig: opts.KeepAlive}

	if opts.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: opts.ProxyHeaderTimeout,
			Policy: func(net.Addr) (proxyproto.Policy, error) {
				return proxyproto.USE, nil
			},
		}
	}

	return ln, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
