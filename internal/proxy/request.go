package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrEmptyRequest means the client closed (or stalled) before sending a
	// single byte.
	ErrEmptyRequest = errors.New("empty request")

	// ErrMalformedRequestLine means the first line is not exactly
	// "METHOD TARGET VERSION".
	ErrMalformedRequestLine = errors.New("malformed request line")

	// ErrMissingHost means a non-CONNECT request carried no usable Host
	// header.
	ErrMissingHost = errors.New("missing host header")

	// ErrInvalidConnectTarget means a CONNECT target is not host:port with a
	// numeric port.
	ErrInvalidConnectTarget = errors.New("invalid connect target")
)

// RequestLine is the first line of a client request.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

func (l RequestLine) String() string {
	return l.Method + " " + l.Target + " " + l.Version
}

// Request is what the proxy learns from a client's initial read.
type Request struct {
	RequestLine

	// Host is the CONNECT target's host, or the Host header value for
	// other methods.
	Host string

	// Port is the CONNECT target's port. Empty for other methods.
	Port string

	// Raw is the initial read, byte for byte.
	Raw []byte
}

// IsConnect reports whether the request asks for a tunnel.
func (r *Request) IsConnect() bool {
	return strings.EqualFold(r.Method, "CONNECT")
}

// Addr returns the host:port to dial upstream. Plain HTTP requests always go
// to originPort; any port carried in the Host header is dropped.
func (r *Request) Addr(originPort int) string {
	if r.IsConnect() {
		return net.JoinHostPort(r.Host, r.Port)
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	return net.JoinHostPort(host, strconv.Itoa(originPort))
}

// ParseRequest decodes the request line and, for non-CONNECT methods, the
// Host header from a single initial read.
//
// The bytes are decoded as ISO-8859-1 so no input can fail decoding. raw is
// retained, not copied.
func ParseRequest(raw []byte) (*Request, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyRequest
	}

	text, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequestLine, err)
	}

	first, rest, _ := bytes.Cut(text, []byte("\n"))
	fields := strings.Fields(string(first))
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedRequestLine, len(fields))
	}

	req := &Request{
		RequestLine: RequestLine{Method: fields[0], Target: fields[1], Version: fields[2]},
		Raw:         raw,
	}

	if req.IsConnect() {
		host, port, err := parseConnectTarget(req.Target)
		if err != nil {
			return nil, err
		}
		req.Host, req.Port = host, port
		return req, nil
	}

	host, ok := findHost(string(rest))
	if !ok {
		return nil, ErrMissingHost
	}
	req.Host = host
	return req, nil
}

func parseConnectTarget(target string) (string, string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidConnectTarget, target)
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: %q: empty host", ErrInvalidConnectTarget, target)
	}
	if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return "", "", fmt.Errorf("%w: %q: bad port", ErrInvalidConnectTarget, target)
	}
	return host, port, nil
}

// findHost returns the value of the first Host header in the header block,
// stopping at the blank line that ends it.
func findHost(headers string) (string, bool) {
	for line := range strings.Lines(headers) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(name, "Host") {
			continue
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}
	return "", false
}
