package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrIdleTimeout is returned by CopyBidirectional when no bytes moved in
// either direction for the idle window.
var ErrIdleTimeout = errors.New("relay idle timeout")

// aLongTimeAgo is a non-zero time in the past, used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// CopyBidirectional copies left->right and right->left concurrently and
// returns once both directions have stopped. It never closes either
// connection; that is left to the caller.
//
// A direction stops at EOF or on its first read or write error. When it
// stops because its source ended, the destination is half-closed (if it
// supports CloseWrite) so the peer observes end-of-stream; the other
// direction keeps running.
//
// If idleTimeout is positive, a direction whose read has been blocked that
// long gives up with ErrIdleTimeout unless the other direction moved bytes in
// the meantime. Canceling ctx aborts both directions.
//
// The result is nil when both directions ended in EOF, otherwise the first
// error observed.
func CopyBidirectional(ctx context.Context, left, right net.Conn, pool BufferPool, idleTimeout time.Duration) error {
	if pool == nil {
		pool = defaultPool
	}

	dl := &relayDeadlines{left: left, right: right, timeout: idleTimeout}
	dl.touch()

	stop := context.AfterFunc(ctx, dl.abort)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		return pump(ctx, right, left, pool, dl)
	})

	g.Go(func() error {
		return pump(ctx, left, right, pool, dl)
	})

	return g.Wait()
}

var defaultPool = NewBufferPool(DefaultBufferSize)

// pump copies src to dst with one pooled buffer until src ends or an error
// occurs.
func pump(ctx context.Context, dst, src net.Conn, pool BufferPool, dl *relayDeadlines) error {
	buf := pool.Get()
	defer pool.Put(buf)

	for {
		dl.armRead(src)
		n, rerr := src.Read(buf)
		if n > 0 {
			dl.touch()
			dl.armWrite(dst)
			wn, werr := dst.Write(buf[:n])
			if werr == nil && wn != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("write %s: %w", dst.RemoteAddr(), werr)
			}
			dl.touch()
		}

		if rerr == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(rerr, os.ErrDeadlineExceeded) && dl.timeout > 0 {
			if !dl.idle() {
				continue
			}
			closeWrite(dst)
			return ErrIdleTimeout
		}

		closeWrite(dst)
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		return fmt.Errorf("read %s: %w", src.RemoteAddr(), rerr)
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// relayDeadlines shares one idle clock between both directions of a relay.
type relayDeadlines struct {
	left, right net.Conn
	timeout     time.Duration
	last        atomic.Int64

	mu      sync.Mutex
	aborted bool
}

func (d *relayDeadlines) touch() {
	d.last.Store(time.Now().UnixNano())
}

func (d *relayDeadlines) idle() bool {
	return time.Since(time.Unix(0, d.last.Load())) >= d.timeout
}

func (d *relayDeadlines) armRead(c net.Conn) {
	d.arm(c.SetReadDeadline)
}

func (d *relayDeadlines) armWrite(c net.Conn) {
	d.arm(c.SetWriteDeadline)
}

// arm must not extend a deadline abort has already expired.
func (d *relayDeadlines) arm(set func(time.Time) error) {
	if d.timeout <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.aborted {
		_ = set(time.Now().Add(d.timeout))
	}
}

func (d *relayDeadlines) abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = true
	_ = d.left.SetDeadline(aLongTimeAgo)
	_ = d.right.SetDeadline(aLongTimeAgo)
}
