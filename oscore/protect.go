package oscore

import (
	"github.com/mnazarim/CoAP/message"
)

// optionClass is a CoAP option's RFC 8613 Table 4 classification: Class
// E options travel inside the encrypted inner message, Class U options
// stay on the outer message in the clear, and Class I options are
// additionally bound into the AEAD's associated data without being
// encrypted themselves.
type optionClass int

const (
	classU optionClass = iota
	classE
	classI
)

// classify follows RFC 8613 Table 4. Block1/Block2 are treated as Class
// E only: the blockwise layer in this implementation always operates
// on the plaintext request/response before OSCORE protection is
// applied, so there is no outer unprotected copy to maintain (a
// simplification recorded in DESIGN.md).
func classify(id message.OptionID) optionClass {
	switch id {
	case message.URIHost, message.URIPort, message.ProxyURI, message.ProxyScheme, message.NoResponse:
		return classU
	case message.Observe:
		return classI
	default:
		return classE
	}
}

// Role distinguishes which side of the pair of derived keys a
// SecurityContext uses for a given operation: Protect always encrypts
// with the Sender Key, Unprotect always decrypts with the Recipient
// Key, regardless of whether the message itself is a request or a
// response (spec.md section 4.7).
type Role int

const (
	RoleSender Role = iota
	RoleRecipient
)

// Protect produces the OSCORE-protected wire form of plain: Class E
// (and, implicitly, Class I) options and the payload are moved into an
// AEAD-encrypted inner message, Class U options and the OSCORE option
// itself remain outer, and the AEAD is computed with the sender's
// sequence number as Partial IV (spec.md section 4.6, "Protecting a
// message"). It additionally returns the request_kid/request_piv pair
// the AAD was bound to: for a request, the caller holds onto it and
// passes it into Unprotect for the matching response; for a response,
// it is the pair that was passed in.
func (sc *SecurityContext) Protect(plain *message.Message, requestKid, requestPIV []byte) (protected *message.Message, usedKid, usedPIV []byte, err error) {
	piv, err := sc.NextSeq()
	if err != nil {
		return nil, nil, nil, err
	}

	inner := &message.Message{Code: plain.Code, Payload: plain.Payload}
	outer := plain.Clone()
	outer.Options = nil
	for _, opt := range plain.Options {
		switch classify(opt.ID) {
		case classE:
			inner.Options = append(inner.Options, opt)
		case classI:
			inner.Options = append(inner.Options, opt)
			outer.Options = append(outer.Options, opt)
		case classU:
			outer.Options = append(outer.Options, opt)
		}
	}
	inner.Options.Sort()

	plaintext, err := encodeInner(inner)
	if err != nil {
		return nil, nil, nil, err
	}

	pivBytes := encodePIV(piv)
	if plain.IsRequest {
		requestKid = sc.Params.SenderID
		requestPIV = pivBytes
	}
	aad := buildAAD(sc.Params.AEAD, requestKid, requestPIV)

	nonce := buildNonce(sc.keys.commonIV, sc.Params.SenderID, piv)
	c, err := newCCM(sc.keys.senderKey, aeadNonceLen, aeadTagLen)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err := c.Seal(nonce, aad, plaintext)
	if err != nil {
		return nil, nil, nil, err
	}

	outer.Options = outer.Options.Without(message.OSCORE)
	outer.Options = append(outer.Options, message.Option{
		ID:    message.OSCORE,
		Value: encodeOSCOREOption(pivBytes, sc.Params.SenderID, sc.Params.IDContext, plain.IsRequest),
	})
	outer.Options.Sort()
	outer.Payload = ciphertext
	return outer, requestKid, requestPIV, nil
}

// Unprotect reverses Protect. requestKid and requestPIV identify the
// original request for a response being unprotected (RFC 8613 section
// 5.4's "request_kid"/"request_piv" AAD fields); both are ignored
// (derived from the message's own OSCORE option) when unprotecting a
// request. It returns the request_kid/request_piv pair the AAD was
// actually bound to, for the caller to hold onto: a server unprotecting
// a request gets back the values it must pass to Protect when it
// protects the matching response.
func (sc *SecurityContext) Unprotect(protected *message.Message, requestKid, requestPIV []byte) (plain *message.Message, usedKid, usedPIV []byte, err error) {
	opts := protected.Options.Find(message.OSCORE)
	if len(opts) != 1 {
		return nil, nil, nil, &NotAProtectedMessageError{Plain: protected}
	}
	pivBytes, kid, _, err := decodeOSCOREOption(opts[0].Value)
	if err != nil {
		return nil, nil, nil, err
	}
	piv := decodePIV(pivBytes)

	if protected.IsRequest {
		requestKid = kid
		if len(requestKid) == 0 {
			requestKid = sc.Params.RecipientID
		}
		requestPIV = pivBytes
	}

	if err := sc.replay.Check(piv); err != nil && protected.IsRequest {
		return nil, nil, nil, err
	}

	aad := buildAAD(sc.Params.AEAD, requestKid, requestPIV)
	nonce := buildNonce(sc.keys.commonIV, sc.Params.RecipientID, piv)
	c, err := newCCM(sc.keys.recipientKey, aeadNonceLen, aeadTagLen)
	if err != nil {
		return nil, nil, nil, err
	}
	plaintext, err := c.Open(nonce, aad, protected.Payload)
	if err != nil {
		return nil, nil, nil, err
	}
	if protected.IsRequest {
		sc.replay.Advance(piv)
	}

	inner, err := decodeInner(plaintext)
	if err != nil {
		return nil, nil, nil, err
	}

	out := protected.Clone()
	out.Code = inner.Code
	out.Payload = inner.Payload
	merged := protected.Options.Without(message.OSCORE)
	for _, opt := range inner.Options {
		if classify(opt.ID) == classI {
			merged = merged.Without(opt.ID)
		}
		merged = append(merged, opt)
	}
	merged.Sort()
	out.Options = merged
	return out, requestKid, requestPIV, nil
}

// PeekKid reads the kid and kid context from a message's OSCORE option
// without decrypting anything (both travel in the clear in the
// compressed COSE header), letting a server pick the matching
// SecurityContext before calling Unprotect. ok is false if m carries no
// OSCORE option at all.
func PeekKid(m *message.Message) (kid, idContext []byte, ok bool) {
	opts := m.Options.Find(message.OSCORE)
	if len(opts) != 1 {
		return nil, nil, false
	}
	_, kid, idContext, err := decodeOSCOREOption(opts[0].Value)
	if err != nil {
		return nil, nil, false
	}
	return kid, idContext, true
}

func encodePIV(piv uint64) []byte {
	if piv == 0 {
		return nil
	}
	var tmp [5]byte
	n := 0
	for i := range tmp {
		tmp[i] = byte(piv >> (8 * (4 - i)))
		if tmp[i] != 0 && n == 0 {
			n = 5 - i
		}
	}
	if n == 0 {
		return []byte{byte(piv)}
	}
	return tmp[5-n:]
}

func decodePIV(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// encodeOSCOREOption builds the compressed COSE header RFC 8613
// section 6.1 describes: a flag byte (bits: kid present, kid context
// present, PIV length) followed by the Partial IV, the KID Context
// length+bytes when present, and the KID.
func encodeOSCOREOption(piv, kid, idContext []byte, includeKid bool) []byte {
	if len(piv) == 0 && len(idContext) == 0 && !includeKid {
		return nil
	}
	flag := byte(len(piv) & 0x07)
	if len(idContext) > 0 {
		flag |= 0x10
	}
	if includeKid {
		flag |= 0x08
	}
	out := []byte{flag}
	out = append(out, piv...)
	if len(idContext) > 0 {
		out = append(out, byte(len(idContext)))
		out = append(out, idContext...)
	}
	if includeKid {
		out = append(out, kid...)
	}
	return out
}

func decodeOSCOREOption(v []byte) (piv, kid, idContext []byte, err error) {
	if len(v) == 0 {
		return nil, nil, nil, nil
	}
	flag := v[0]
	rest := v[1:]
	pivLen := int(flag & 0x07)
	if len(rest) < pivLen {
		return nil, nil, nil, ErrProtectionInvalid
	}
	piv = rest[:pivLen]
	rest = rest[pivLen:]
	if flag&0x10 != 0 {
		if len(rest) < 1 {
			return nil, nil, nil, ErrProtectionInvalid
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n {
			return nil, nil, nil, ErrProtectionInvalid
		}
		idContext = rest[:n]
		rest = rest[n:]
	}
	if flag&0x08 != 0 {
		kid = rest
	}
	return piv, kid, idContext, nil
}

// buildAAD assembles the COSE external_aad RFC 8613 section 5.4
// constructs the AEAD authenticates over: OSCORE version, the single
// supported algorithm, the originating request's kid and Partial IV,
// and an empty Class I options encoding (this implementation carries
// no Class I option beyond Observe, which is represented positionally
// rather than via the options byte string).
func buildAAD(alg AEADAlgorithm, requestKid, requestPIV []byte) []byte {
	return cborArray(
		cborUint(1),
		cborArray(cborNegOrUint(int64(alg))),
		cborBstr(requestKid),
		cborBstr(requestPIV),
		cborBstr(nil),
	)
}

// encodeInner/decodeInner serialise the Class-E inner message as a
// bare CoAP code byte followed by its options (encoded with the
// ordinary delta/length option codec) and payload, mirroring RFC 8613
// section 5.3's "plaintext" layout without the outer header fields
// that never travel encrypted.
func encodeInner(m *message.Message) ([]byte, error) {
	wire := &message.Message{
		Type:      message.Confirmable,
		Code:      m.Code,
		MessageID: 0,
		Options:   m.Options,
		Payload:   m.Payload,
	}
	full, err := wire.Marshal()
	if err != nil {
		return nil, err
	}
	// Marshal() emits the 4-byte header and empty token ahead of the
	// options/payload; the inner plaintext is the code byte (header byte
	// 1) followed by everything after the header.
	if len(full) < 4 {
		return nil, ErrProtectionInvalid
	}
	return append([]byte{full[1]}, full[4:]...), nil
}

func decodeInner(data []byte) (*message.Message, error) {
	if len(data) < 1 {
		return nil, ErrProtectionInvalid
	}
	header := []byte{0x40, data[0], 0, 0}
	full := append(header, data[1:]...)
	return message.Unmarshal(full)
}
