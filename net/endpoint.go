// Package net provides the remote-endpoint identity, the transport
// plug-in contract, and the message layer (confirmable retransmission,
// ACK/RST correlation, message-ID deduplication) described in spec.md
// sections 4.3 and 6.
package net

import "fmt"

// Endpoint is the (transport, address, port, zone) tuple spec.md section
// 3 defines as a remote identity. Two endpoints are equal iff every
// field compares equal; it is used as a map key throughout the message
// and request layers, so it must remain comparable (no slices/maps).
type Endpoint struct {
	Transport string
	Address   string
	Port      uint16
	Zone      string // IPv6 link-local zone index, empty otherwise
}

func (e Endpoint) String() string {
	if e.Zone != "" {
		return fmt.Sprintf("%s://%s%%25%s:%d", e.Transport, e.Address, e.Zone, e.Port)
	}
	return fmt.Sprintf("%s://%s:%d", e.Transport, e.Address, e.Port)
}

// URIScheme returns the scheme the endpoint's transport claims. The
// message layer does not call it; it compares Transport with each
// transport's Scheme directly.
func (e Endpoint) URIScheme() string { return e.Transport }
