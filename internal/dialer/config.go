package dialer

import (
	"net"
	"time"
)

// Config controls how upstream connections are established.
type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect. Zero means no limit.
	DialTimeout time.Duration

	// NegotiationTimeout bounds TLS and CONNECT/SOCKS5 handshakes with an
	// upstream proxy.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}
