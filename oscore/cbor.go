package oscore

// A minimal CBOR encoder for exactly the "info" structure RFC 8613
// Appendix A uses as HKDF-Expand input: a definite-length array of a
// byte string, an optional byte string (or null), a small integer, a
// short text string and a small integer. Pulling in a general-purpose
// CBOR library (fxamacker/cbor/v2, seen vendored via plgd-dev/go-coap/v2
// in absmach-magistrala's dependency tree) for these five fixed-shape
// fields would be the tail wagging the dog — nothing else in this
// module needs free-form CBOR, so this narrow encoder stays on the
// standard library by design (see DESIGN.md).

func cborUint(v uint64) []byte {
	switch {
	case v < 24:
		return []byte{byte(v)}
	case v < 1<<8:
		return []byte{0x18, byte(v)}
	case v < 1<<16:
		return []byte{0x19, byte(v >> 8), byte(v)}
	default:
		return []byte{0x1a, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func cborNegOrUint(v int64) []byte {
	if v >= 0 {
		return cborUint(uint64(v))
	}
	b := cborUint(uint64(-v - 1))
	b[0] |= 0x20
	return b
}

func cborHead(major byte, n int) []byte {
	h := cborUint(uint64(n))
	h[0] = (major << 5) | (h[0] &^ 0xe0)
	return h
}

func cborBstr(b []byte) []byte {
	out := cborHead(2, len(b))
	return append(out, b...)
}

func cborTstr(s string) []byte {
	out := cborHead(3, len(s))
	return append(out, []byte(s)...)
}

func cborNull() []byte { return []byte{0xf6} }

func cborArray(items ...[]byte) []byte {
	out := cborHead(4, len(items))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// hkdfInfo builds the RFC 8613 Appendix A "info" CBOR array for
// deriving a Key or the Common IV.
func hkdfInfo(id, idContext []byte, aeadAlg int64, kind string, length int) []byte {
	idCtx := cborNull()
	if idContext != nil {
		idCtx = cborBstr(idContext)
	}
	return cborArray(
		cborBstr(id),
		idCtx,
		cborNegOrUint(aeadAlg),
		cborTstr(kind),
		cborUint(uint64(length)),
	)
}
