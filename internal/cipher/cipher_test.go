package cipher

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewAESCBCCipher(key)
	if err != nil {
		t.Fatalf("NewAESCBCCipher: %v", err)
	}

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		[]byte("a message that does not land on a block boundary"),
		bytes.Repeat([]byte{0xAB}, 1024),
	}
	for _, pt := range plaintexts {
		ct, err := c.Encrypt(pt)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: got %q want %q", got, pt)
		}
	}
}

func TestEncryptProducesDistinctCiphertextsForSamePlaintext(t *testing.T) {
	key := make([]byte, 16)
	c, _ := NewAESCBCCipher(key)
	a, _ := c.Encrypt([]byte("same message"))
	b, _ := c.Encrypt([]byte("same message"))
	if bytes.Equal(a, b) {
		t.Fatal("expected distinct ciphertexts due to random IVs")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key := make([]byte, 16)
	c, _ := NewAESCBCCipher(key)
	_, err := c.Decrypt([]byte{1, 2, 3})
	if err != ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}
