package testutil

import (
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

func TestWriteSOCKS5ReplyZeroAddr(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		_ = WriteSOCKS5Reply(serverConn, txsocks5.RepHostUnreachable, nil)
	}()

	rep, err := txsocks5.NewReplyFrom(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepHostUnreachable {
		t.Fatalf("expected rep %#x got %#x", txsocks5.RepHostUnreachable, rep.Rep)
	}
	if rep.Atyp != txsocks5.ATYPIPv4 {
		t.Fatalf("expected IPv4 bound address, got atyp %#x", rep.Atyp)
	}
}
