package oscore

import (
	"crypto/rand"

	"github.com/mnazarim/CoAP/message"
)

// echoChallengeLen is an arbitrary but fixed nonce length for the RFC
// 9175 Echo challenge this package issues during B.1 recovery.
const echoChallengeLen = 8

// B1 recovery helpers (spec.md section 4.7, RFC 8613 Appendix B.1):
// Challenge issues an Echo value and VerifyEcho checks that a request
// echoes it back. VerifyEcho compares the Echo option only; it does
// not inspect the request's Partial IV and does not change the replay
// window. Nothing in this module calls these helpers when handling a
// request, so requests are not held back pending an Echo.

// Challenge generates a fresh Echo challenge for sc and records it as
// pending, to be attached to a 4.01 response.
func (sc *SecurityContext) Challenge() ([]byte, error) {
	buf := make([]byte, echoChallengeLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	sc.echoPending = buf
	return buf, nil
}

// VerifyEcho checks that req carries the Echo value sc last issued via
// Challenge, clearing the pending challenge on success.
func (sc *SecurityContext) VerifyEcho(req *message.Message) bool {
	if sc.echoPending == nil {
		return true
	}
	opts := req.Options.Find(message.Echo)
	if len(opts) != 1 {
		return false
	}
	ok := constantEq(opts[0].Value, sc.echoPending)
	if ok {
		sc.echoPending = nil
	}
	return ok
}

// Pending reports whether sc is still awaiting an echoed challenge.
func (sc *SecurityContext) Pending() bool { return sc.echoPending != nil }

func constantEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
