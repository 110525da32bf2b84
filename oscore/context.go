// Package oscore implements RFC 8613 Object Security for Constrained
// RESTful Environments: the AEAD key schedule, nonce construction,
// replay detection, sequence-number persistence and B.1/B.2 context
// recovery (spec.md sections 4.7 and 6).
package oscore

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AEADAlgorithm identifies the COSE AEAD algorithm a context uses.
// AES-CCM-16-64-128 (COSE algorithm 10) is the only one this
// implementation supports, matching spec.md section 4.7's stated
// default; HKDFAlgorithm is likewise fixed to HKDF-SHA-256.
type AEADAlgorithm int64

const AESCCM16_64_128 AEADAlgorithm = 10

const (
	aeadKeyLen   = 16
	aeadNonceLen = 13
	aeadTagLen   = 8
)

// Params are the fixed, negotiated-out-of-band inputs to an OSCORE
// security context (spec.md section 3, "OSCORE security context").
type Params struct {
	MasterSecret []byte
	MasterSalt   []byte
	IDContext    []byte
	SenderID     []byte
	RecipientID  []byte
	AEAD         AEADAlgorithm
}

// derivedKeys is the output of the HKDF key schedule (spec.md section
// 4.7, "Key schedule").
type derivedKeys struct {
	senderKey    []byte
	recipientKey []byte
	commonIV     []byte
}

func deriveKeys(p Params) (derivedKeys, error) {
	if p.AEAD != AESCCM16_64_128 {
		return derivedKeys{}, fmt.Errorf("oscore: unsupported AEAD algorithm %d", p.AEAD)
	}
	senderKey, err := hkdfExpand(p.MasterSecret, p.MasterSalt, hkdfInfo(p.SenderID, p.IDContext, int64(p.AEAD), "Key", aeadKeyLen), aeadKeyLen)
	if err != nil {
		return derivedKeys{}, err
	}
	recipientKey, err := hkdfExpand(p.MasterSecret, p.MasterSalt, hkdfInfo(p.RecipientID, p.IDContext, int64(p.AEAD), "Key", aeadKeyLen), aeadKeyLen)
	if err != nil {
		return derivedKeys{}, err
	}
	commonIV, err := hkdfExpand(p.MasterSecret, p.MasterSalt, hkdfInfo(nil, p.IDContext, int64(p.AEAD), "IV", aeadNonceLen), aeadNonceLen)
	if err != nil {
		return derivedKeys{}, err
	}
	return derivedKeys{senderKey: senderKey, recipientKey: recipientKey, commonIV: commonIV}, nil
}

func hkdfExpand(secret, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("oscore: hkdf: %w", err)
	}
	return out, nil
}

// SecurityContext is a live, usable OSCORE context: derived keys, the
// sender sequence number (persisted before use), and the recipient's
// replay window. The prevRecipient field has room for a second replay
// window covering the previous epoch; nothing in this package sets or
// reads it.
type SecurityContext struct {
	Params Params
	keys   derivedKeys

	store PersistenceBackend

	senderSeq    uint64 // next sequence number to use
	batchSize    uint64 // persistence batch size (spec.md section 4.7)
	nextFlush    uint64 // flush threshold: persist when senderSeq reaches this

	replay *ReplayWindow

	// prevRecipient is a slot for a second replay window covering the
	// previous ID Context epoch. It is never set or consulted: Unprotect
	// checks only replay.
	prevRecipient *ReplayWindow

	echoPending []byte // outstanding Echo challenge sent to the peer, if any
}

// New constructs a SecurityContext from Params, deriving keys and
// loading (or initialising) persisted sequence-number/replay state
// through store.
func New(p Params, store PersistenceBackend, batchSize uint64) (*SecurityContext, error) {
	if batchSize == 0 {
		batchSize = 1
	}
	keys, err := deriveKeys(p)
	if err != nil {
		return nil, err
	}
	sc := &SecurityContext{
		Params:    p,
		keys:      keys,
		store:     store,
		batchSize: batchSize,
		replay:    NewReplayWindow(),
	}
	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	// On load, add the batch size to the loaded value so a crash between
	// persisting and using the previous batch never causes reuse
	// (spec.md section 4.7, "Sequence number persistence").
	sc.senderSeq = state.NextSenderSeq + batchSize
	sc.nextFlush = sc.senderSeq + batchSize
	if state.ReplayHigh > 0 || state.ReplayWindow != 0 {
		sc.replay.high = state.ReplayHigh
		sc.replay.window = state.ReplayWindow
		sc.replay.seeded = true
	}
	if err := sc.persist(); err != nil {
		return nil, err
	}
	return sc, nil
}

// NonceLen and TagLen describe the fixed AES-CCM-16-64-128
// parameters in use.
func (sc *SecurityContext) NonceLen() int { return aeadNonceLen }
func (sc *SecurityContext) TagLen() int   { return aeadTagLen }

// NextSeq returns the sequence number to use for the next outgoing
// message, persisting the sender state first if the batch threshold has
// been reached (spec.md section 4.7 invariant: persisted before use).
func (sc *SecurityContext) NextSeq() (uint64, error) {
	if sc.senderSeq >= 1<<40 {
		return 0, ErrSequenceNumberExhausted
	}
	seq := sc.senderSeq
	sc.senderSeq++
	if sc.senderSeq > sc.nextFlush {
		sc.nextFlush = sc.senderSeq + sc.batchSize
		if err := sc.persist(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

func (sc *SecurityContext) persist() error {
	return sc.store.Save(PersistedState{
		NextSenderSeq: sc.nextFlush,
		ReplayWindow:  sc.replay.window,
		ReplayHigh:    sc.replay.high,
	})
}

// Flush forces an immediate persistence of current state. The root
// package's Context.Shutdown does not call it, so OSCORE contexts are
// not flushed on Context shutdown.
func (sc *SecurityContext) Flush() error {
	sc.nextFlush = sc.senderSeq
	return sc.persist()
}

// Recover performs B.1 recovery: it skips the sender sequence number
// ahead to the next power of 2 strictly above the current value, so
// that a rebooted sender can never repeat a PIV the peer's replay
// window might still remember (spec.md section 4.7, "B.1 recovery").
func (sc *SecurityContext) Recover() error {
	target := nextPowerOfTwo(sc.senderSeq)
	if target <= sc.senderSeq {
		target = sc.senderSeq + 1
	}
	sc.senderSeq = target
	sc.nextFlush = sc.senderSeq
	return sc.persist()
}

func nextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	p := uint64(1)
	for p <= v {
		p <<= 1
	}
	return p
}
