// Package proxy implements the forward HTTP proxy: the accept loop, the
// per-connection dispatcher that chooses between a CONNECT tunnel and
// plain HTTP forwarding, the request-line parser, and the bidirectional
// byte relay both paths end in.
package proxy
