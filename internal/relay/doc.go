// Package relay implements a connectionless fan-out relay: every datagram
// received from a peer is sent to every other peer the relay has heard from.
//
// Peers are discovered only by sending; there is no join message, no session
// and no expiry. Payloads are never inspected or modified.
package relay
