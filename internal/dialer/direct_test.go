package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/die-net/relay/internal/testutil"
)

func TestDirectDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second})

	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
}

func TestDirectDialerRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second})

	if _, err := d.DialContext(ctx, "tcp", testutil.UnusedAddr(t)); err == nil {
		t.Fatal("expected error")
	}
}

func TestDirectDialerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const timeout = 100 * time.Millisecond
	d := NewDirectDialer(Config{DialTimeout: timeout})

	// TEST-NET-1 is reserved and normally blackholed, so the SYN goes
	// unanswered and only the dial timeout ends the attempt.
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", "192.0.2.1:81")
	elapsed := time.Since(start)
	if err == nil {
		_ = conn.Close()
		t.Skip("192.0.2.1 is reachable from this network")
	}

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Skipf("network rejected the dial without waiting: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("dial outlived its timeout: %v after %v", err, elapsed)
	}
	if elapsed > 10*timeout {
		t.Fatalf("dial took %v with a %v timeout", elapsed, timeout)
	}
}
