package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/relay/internal/testutil"
)

// serveHTTPConnect plays an upstream HTTP proxy for one CONNECT request.
func serveHTTPConnect(ctx context.Context, c net.Conn, wantAuth string) {
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = req.Body.Close()
	if req.Method != http.MethodConnect {
		_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}
	if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.(*net.TCPConn).CloseWrite()
	}()
	_, _ = io.Copy(c, dst)
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "basic_auth", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(ctx, t)

			wantAuth := ""
			if tt.user != "" {
				wantAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte(tt.user+":"+tt.pass))
			}
			upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
				serveHTTPConnect(ctx, c, wantAuth)
			})

			d, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second},
				&url.URL{Scheme: "http", Host: upLn.Addr().String()}, tt.user, tt.pass)
			if err != nil {
				t.Fatal(err)
			}

			conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			_ = conn.Close()
			waitUp()
		})
	}
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		serveHTTPConnect(ctx, c, "Basic never-matches")
	})

	d, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatalf("expected error")
	}

	waitUp()
}

func TestHTTPProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(context.Background(), t, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		// Never answer; only cancellation can end the dial.
		cancel()
		_, _ = io.Copy(io.Discard, c)
	})

	// No negotiation timeout, so nothing but ctx bounds the CONNECT read.
	d, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.DialContext(ctx, "tcp", "example.com:443")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DialContext ignored cancellation")
	}

	waitUp()
}

func TestHTTPProxyDialerPrefixBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		// Response and first tunneled bytes in one segment.
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\nearly")
		_, _ = io.Copy(io.Discard, c)
	})

	d, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", "example.com:443")
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len("early"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "early" {
		t.Fatalf("expected %q got %q", "early", string(buf))
	}

	_ = conn.Close()
	waitUp()
}

func TestNewHTTPProxyDialerValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    *url.URL
	}{
		{name: "nil url"},
		{name: "missing host", u: &url.URL{Scheme: "http"}},
		{name: "wrong scheme", u: &url.URL{Scheme: "socks5", Host: "proxy.example:1080"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPProxyDialer(Config{}, tt.u, "", ""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
