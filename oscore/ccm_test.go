package oscore

import (
	"bytes"
	"testing"
)

func TestCCMSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 16)
	nonce := bytes.Repeat([]byte{0x02}, aeadNonceLen)
	aad := []byte("associated data")
	plaintext := []byte("Hello World!")

	c, err := newCCM(key, aeadNonceLen, aeadTagLen)
	if err != nil {
		t.Fatalf("newCCM: %v", err)
	}

	ciphertext, err := c.Seal(nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ciphertext) != len(plaintext)+aeadTagLen {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+aeadTagLen)
	}

	got, err := c.Open(nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open() = %q, want %q", got, plaintext)
	}
}

func TestCCMOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, 16)
	nonce := bytes.Repeat([]byte{0x04}, aeadNonceLen)
	c, _ := newCCM(key, aeadNonceLen, aeadTagLen)

	ciphertext, err := c.Seal(nonce, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ciphertext[0] ^= 0xff

	if _, err := c.Open(nonce, nil, ciphertext); err != ErrProtectionInvalid {
		t.Fatalf("Open() error = %v, want ErrProtectionInvalid", err)
	}
}
