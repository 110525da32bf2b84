package oscore

// buildNonce constructs the AEAD nonce per RFC 8613 section 5.2: the
// byte length of id (the Sender ID when protecting, the Recipient ID
// when unprotecting), id left-padded with zeros, and the 5-byte
// big-endian Partial IV are concatenated into a buffer the length of
// the Common IV, then XORed with it (spec.md section 4.7, "Nonce
// construction").
func buildNonce(commonIV, id []byte, piv uint64) []byte {
	n := len(commonIV)
	buf := make([]byte, n)
	buf[0] = byte(len(id))

	idStart := n - 5 - len(id)
	copy(buf[idStart:n-5], id)

	for i := 0; i < 5; i++ {
		buf[n-1-i] = byte(piv >> (8 * i))
	}

	nonce := make([]byte, n)
	for i := range nonce {
		nonce[i] = buf[i] ^ commonIV[i]
	}
	return nonce
}
