// Package dialer establishes the upstream half of each proxied connection.
//
// Dialers implement a small interface (DialContext) and connect either
// directly to the target or through an upstream HTTP CONNECT or SOCKS5
// proxy.
package dialer
