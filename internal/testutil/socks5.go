package testutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5ServerHandshake plays the server side of a SOCKS5 handshake: method
// negotiation, username/password authentication when username is set, and
// the client's request.
func SOCKS5ServerHandshake(rw io.ReadWriter, username, password string) (*txsocks5.Request, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return nil, fmt.Errorf("negotiation request: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		// RFC 1928: 0xFF indicates no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(rw)
		return nil, errors.New("no acceptable authentication method")
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(rw); err != nil {
		return nil, fmt.Errorf("negotiation reply: %w", err)
	}

	if want == txsocks5.MethodUsernamePassword {
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
		if err != nil {
			return nil, fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != username || string(urq.Passwd) != password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
			return nil, errors.New("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
			return nil, fmt.Errorf("write userpass: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(rw)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// WriteSOCKS5Reply writes a reply with code rep. A nil bound address is sent
// as 0.0.0.0:0.
func WriteSOCKS5Reply(w io.Writer, rep byte, bound net.Addr) error {
	atyp, addr, port := byte(txsocks5.ATYPIPv4), []byte{0, 0, 0, 0}, []byte{0, 0}
	if bound != nil {
		a, ad, p, err := txsocks5.ParseAddress(bound.String())
		if err != nil {
			return fmt.Errorf("parse bound address %q: %w", bound.String(), err)
		}
		if a == txsocks5.ATYPDomain {
			ad = ad[1:]
		}
		atyp, addr, port = a, ad, p
	}

	if _, err := txsocks5.NewReply(rep, atyp, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
