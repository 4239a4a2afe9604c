// Package wgproxy implements a stateful UDP relay for WireGuard traffic.
//
// wgproxy bridges a WireGuard client to a server it cannot reach directly by
// admitting new flows only when the first datagram from an unknown source is
// a syntactically valid WireGuard handshake-initiation message, allocating a
// dedicated server-facing socket per flow from a bounded ephemeral port
// range, and forwarding datagrams bidirectionally until the flow goes idle.
//
// wgproxy does not decrypt WireGuard traffic and holds no cryptographic
// session state; the handshake check is a cheap syntactic gate, not
// authentication. mac1 is checked against the configured keys, but the result
// only informs logging and never decides admission.
package wgproxy
