// Package socks5 holds the client side of the SOCKS5 handshake the proxy
// needs when it chains through an upstream SOCKS5 server.
//
// It wraps the wire types in github.com/txthinking/socks5 and backs
// dialer.SOCKS5ProxyDialer.
package socks5
