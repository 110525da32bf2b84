// Package blockwise implements RFC 7959 block-wise transfer on top of
// the message package: server-side Block1 reassembly of a large
// request body, and Block2 pagination of a large response body in
// either direction (spec.md section 4.5).
package blockwise

import (
	"sync"
	"time"

	"github.com/mnazarim/CoAP/message"
	"github.com/mnazarim/CoAP/net"
)

// AssemblyTimeout bounds how long a partially received Block1 upload
// is kept before it is abandoned (spec.md section 4.5, "gap or stall
// aborts the transfer with 4.08 Request Entity Incomplete").
const AssemblyTimeout = 90 * time.Second

// Key identifies one block-wise exchange: the remote peer, the
// request's token (without any block-specific suffix), and the target
// path, matching spec.md's "keyed by remote, token prefix and URI".
type Key struct {
	Remote net.Endpoint
	Token  string
	Path   string
}

type upload struct {
	body     []byte
	szx      message.SZX
	lastSeen time.Time
	timer    *time.Timer
}

// Assembler reassembles Block1 request bodies. One Assembler is shared
// by a server across all in-flight uploads.
type Assembler struct {
	mu      sync.Mutex
	uploads map[Key]*upload
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{uploads: make(map[Key]*upload)}
}

// ErrEntityIncomplete signals that a Block1 upload must be rejected
// with 4.08 Request Entity Incomplete: a block arrived that does not
// contiguously continue the accumulated body.
var ErrEntityIncomplete = errEntityIncomplete{}

type errEntityIncomplete struct{}

func (errEntityIncomplete) Error() string { return "blockwise: request entity incomplete" }

// Accept folds one Block1-bearing request into the upload identified
// by key. When the final block (M=0) arrives, it returns the complete
// body with done=true and forgets the upload. SZX never grows across
// blocks; a client that tries to enlarge its block size mid-transfer
// is treated as violating the exchange and rejected.
func (a *Assembler) Accept(key Key, block message.BlockOption, payload []byte) (body []byte, done bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.uploads[key]
	wantOffset := uint32(block.Num) * uint32(block.SZX.Size())
	if block.Num == 0 {
		if ok {
			u.timer.Stop()
		}
		u = &upload{szx: block.SZX}
		a.uploads[key] = u
	} else {
		if !ok || uint32(len(u.body)) != wantOffset || block.SZX > u.szx {
			delete(a.uploads, key)
			return nil, false, ErrEntityIncomplete
		}
		u.timer.Stop()
	}

	u.body = append(u.body, payload...)
	u.lastSeen = time.Now()

	if !block.More {
		delete(a.uploads, key)
		return u.body, true, nil
	}

	u.timer = time.AfterFunc(AssemblyTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.uploads[key]; ok && cur == u {
			delete(a.uploads, key)
		}
	})
	return nil, false, nil
}

// Abort forgets any in-progress upload for key, e.g. when the
// exchange's underlying CON retransmission is itself abandoned.
func (a *Assembler) Abort(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.uploads[key]; ok {
		u.timer.Stop()
		delete(a.uploads, key)
	}
}
