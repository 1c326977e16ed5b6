package proxy

import (
	"time"

	"github.com/die-net/relay/internal/dialer"
)

// Config holds per-connection behavior for HTTPProxyServer.
type Config struct {
	// NegotiationTimeout bounds the wait for the client's first bytes.
	NegotiationTimeout time.Duration

	// IdleTimeout ends a relay when neither direction moved bytes for this
	// long. Zero disables it.
	IdleTimeout time.Duration

	// BufferSize is the initial read size and per-direction relay buffer.
	BufferSize int

	// OriginPort is the port plain HTTP requests are forwarded to.
	OriginPort int

	// Dialer opens upstream connections.
	Dialer dialer.Dialer

	// Verbose enables per-connection logging.
	Verbose bool

	// Metrics, if non-nil, receives per-connection counters.
	Metrics *Metrics
}
