package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/die-net/relay/internal/dialer"
)

// ErrServerClosed is returned by Serve after Close or Shutdown.
var ErrServerClosed = errors.New("proxy: server closed")

// connectEstablished is written verbatim once a CONNECT upstream is open.
const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// connState tracks where a connection is in its lifecycle, for logging.
type connState int

const (
	stateAccepted connState = iota
	stateParsed
	stateTunneling
	stateForwarding
	stateRelaying
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateParsed:
		return "parsed"
	case stateTunneling:
		return "tunneling"
	case stateForwarding:
		return "forwarding"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// HTTPProxyServer serves a forward HTTP proxy on raw TCP connections.
//
// Each accepted connection is handled on its own goroutine:
//   - CONNECT host:port opens a tunnel and relays opaque bytes.
//   - Any other method is forwarded to the Host header's origin on
//     Config.OriginPort, starting with the client's initial bytes verbatim.
//
// Connections share no state; a failure closes only the connection it
// happened on.
type HTTPProxyServer struct {
	cfg  Config
	pool BufferPool

	// ctx is canceled by Close to abort active relays.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
	conns     sync.WaitGroup
}

// NewHTTPProxyServer constructs a proxy server with the given config.
//
// Canceling ctx has the same effect as Close on active connections.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.OriginPort <= 0 {
		cfg.OriginPort = 80
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: 10 * time.Second})
	}

	s := &HTTPProxyServer{
		cfg:       cfg,
		pool:      NewBufferPool(cfg.BufferSize),
		listeners: make(map[net.Listener]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Serve accepts connections on ln until ln fails permanently or the server
// is closed. Transient accept errors are retried with backoff.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			log.Printf("http proxy: accept error: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.startConn() {
			_ = c.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.conns.Done()
			s.handleConn(c)
		}()
	}
}

// Close stops all listeners and aborts active connections without waiting
// for them.
func (s *HTTPProxyServer) Close() error {
	err := s.closeListeners()
	s.cancel()
	return err
}

// Shutdown stops all listeners and waits for active connections to finish.
// If ctx ends first, remaining connections are aborted and ctx's error is
// returned once they have exited.
func (s *HTTPProxyServer) Shutdown(ctx context.Context) error {
	err := s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *HTTPProxyServer) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.closed {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *HTTPProxyServer) startConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *HTTPProxyServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *HTTPProxyServer) closeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	clear(s.listeners)
	return errors.Join(errs...)
}

// handleConn owns conn and closes it exactly once, whichever way the
// connection ends.
func (s *HTTPProxyServer) handleConn(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Close and Shutdown reach a connection through ctx; expiring the
	// deadline unblocks the initial read and the handshake write.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if s.cfg.Verbose {
		log.Printf("http proxy: accepted %s", conn.RemoteAddr())
	}

	start := time.Now()
	s.cfg.Metrics.connOpened()

	state := stateAccepted
	err := s.serveConn(ctx, conn, &state)
	s.cfg.Metrics.connClosed(state, err, time.Since(start))
	if err != nil && s.cfg.Verbose && !errors.Is(err, ErrEmptyRequest) {
		log.Printf("http proxy: %s: %s: %v", conn.RemoteAddr(), state, err)
	}
}

func (s *HTTPProxyServer) serveConn(ctx context.Context, conn net.Conn, state *connState) error {
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	req, err := s.readRequest(ctx, conn, buf)
	if err != nil {
		return err
	}
	*state = stateParsed
	s.cfg.Metrics.request(req)

	if s.cfg.Verbose {
		log.Printf("http proxy: %s: %s", conn.RemoteAddr(), req.RequestLine)
	}

	addr := req.Addr(s.cfg.OriginPort)
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	defer up.Close()

	stopUp := context.AfterFunc(ctx, func() {
		_ = up.SetDeadline(aLongTimeAgo)
	})
	defer stopUp()

	if req.IsConnect() {
		*state = stateTunneling
		// Bytes read past the request line are dropped; the tunnel starts
		// clean after the acknowledgement.
		if _, err := conn.Write([]byte(connectEstablished)); err != nil {
			return fmt.Errorf("write connect response: %w", cancelCause(ctx, err))
		}
	} else {
		*state = stateForwarding
		// Only the initial read is forwarded here; anything later flows
		// through the relay.
		if _, err := up.Write(req.Raw); err != nil {
			return fmt.Errorf("forward request to %s: %w", addr, cancelCause(ctx, err))
		}
	}

	*state = stateRelaying
	if err := CopyBidirectional(ctx, conn, up, s.pool, s.cfg.IdleTimeout); err != nil {
		return err
	}
	*state = stateClosed
	return nil
}

// readRequest performs the single bounded initial read and parses it. It
// returns ctx's error once the server is closing.
func (s *HTTPProxyServer) readRequest(ctx context.Context, conn net.Conn, buf []byte) (*Request, error) {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	n, err := conn.Read(buf)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if n == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmptyRequest, err)
		}
		return nil, ErrEmptyRequest
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
		// A cancel that landed before the reset had its deadline cleared.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	return ParseRequest(buf[:n])
}

// cancelCause prefers ctx's error over the deadline error its cancellation
// produced.
func cancelCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
