package net

import "time"

// RecvFunc is invoked for every datagram a Transport receives, with the
// sender's endpoint, the raw bytes and the arrival timestamp (spec.md
// section 6, "Transport plug-in contract").
type RecvFunc func(remote Endpoint, data []byte, at time.Time)

// Transport is the pluggable carrier of encoded datagrams spec.md
// section 6 specifies: send, a receive callback, the set of local
// addresses it is reachable on, and shutdown.
type Transport interface {
	// Scheme identifies the URI scheme(s) this transport claims, e.g.
	// "coap" or "coap+oscore".
	Scheme() string
	// Send transmits data to remote.
	Send(remote Endpoint, data []byte) error
	// SetRecvFunc installs the callback invoked for inbound datagrams.
	// Must be called before the transport starts receiving.
	SetRecvFunc(fn RecvFunc)
	// LocalAddresses returns the endpoints this transport is reachable
	// on.
	LocalAddresses() []Endpoint
	// Shutdown stops the transport, releasing its socket(s).
	Shutdown() error
}
