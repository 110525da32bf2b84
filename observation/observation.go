// Package observation implements RFC 7641 resource observation: the
// server-side registration table and notification counter, and the
// client-side freshness rule for ordering incoming notifications
// (spec.md section 4.6).
package observation

import (
	"sync"
	"time"

	"github.com/mnazarim/CoAP/net"
)

// counterModulus is 2^24, the width of the Observe option value (RFC
// 7641 section 3.4).
const counterModulus = 1 << 24

// Registration is one active observation of a resource by a remote
// client, keyed by (remote, token).
type Registration struct {
	Remote net.Endpoint
	Token  []byte
	Path   string
}

type regKey struct {
	remote net.Endpoint
	token  string
}

// Table is the server-side set of active observations on a path,
// together with each path's next Observe counter value.
type Table struct {
	mu       sync.Mutex
	byPath   map[string]map[regKey]*Registration
	counters map[string]uint32
}

// NewTable returns an empty observation table.
func NewTable() *Table {
	return &Table{
		byPath:   make(map[string]map[regKey]*Registration),
		counters: make(map[string]uint32),
	}
}

// Register records remote's observation of path under token, replacing
// any prior registration for the same (remote, token).
func (t *Table) Register(path string, remote net.Endpoint, token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byPath[path] == nil {
		t.byPath[path] = make(map[regKey]*Registration)
	}
	t.byPath[path][regKey{remote, string(token)}] = &Registration{Remote: remote, Token: token, Path: path}
}

// Deregister removes remote's observation of path, e.g. on a RST reply
// to a notification or a fresh GET without the Observe option.
func (t *Table) Deregister(path string, remote net.Endpoint, token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if regs, ok := t.byPath[path]; ok {
		delete(regs, regKey{remote, string(token)})
	}
}

// DeregisterAll removes every registration held by (remote, token)
// across all paths, used when a client RSTs a notification without the
// server having tracked which path that token was observing.
func (t *Table) DeregisterAll(remote net.Endpoint, token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := regKey{remote, string(token)}
	for _, regs := range t.byPath {
		delete(regs, key)
	}
}

// Deliver returns every current registration on path together with the
// next Observe counter value to notify them with, and advances the
// path's counter (mod 2^24, skipping the reserved value 0 after the
// first use).
func (t *Table) Deliver(path string) ([]*Registration, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.counters[path] + 1
	if next >= counterModulus {
		next = 1
	}
	t.counters[path] = next

	regs := t.byPath[path]
	out := make([]*Registration, 0, len(regs))
	for _, r := range regs {
		out = append(out, r)
	}
	return out, next
}

// Client tracks the freshness of notifications received for a single
// observation, applying RFC 7641 section 3.4's comparison rule.
type Client struct {
	mu       sync.Mutex
	haveSeen bool
	counter  uint32
	seenAt   time.Time
}

// Accept reports whether a notification carrying counter should
// replace the currently displayed representation: either the 24-bit
// counters are ordered with the usual wraparound tolerance, or more
// than 128 seconds have elapsed since the last accepted notification.
func (c *Client) Accept(counter uint32, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveSeen {
		c.haveSeen = true
		c.counter = counter
		c.seenAt = now
		return true
	}
	fresh := isFresher(counter, c.counter) || now.Sub(c.seenAt) > 128*time.Second
	if fresh {
		c.counter = counter
		c.seenAt = now
	}
	return fresh
}

// isFresher implements RFC 7641 section 3.4's serial-number-style
// comparison for 24-bit Observe counters: v2 is fresher than v1 when
// v1 < v2 and v2-v1 < 2^23, or v1 > v2 and v1-v2 > 2^23.
func isFresher(v2, v1 uint32) bool {
	return (v1 < v2 && v2-v1 < 1<<23) || (v1 > v2 && v1-v2 > 1<<23)
}
