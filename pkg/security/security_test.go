package security

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cfg, err := NewConfigFromPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewConfigFromPassword: %v", err)
	}
	enc, err := NewEncryptor(cfg)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	for _, plaintext := range [][]byte{
		[]byte("hello world"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 4096),
	} {
		ct, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
		}
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	cfg, _ := NewConfigFromPassword("pw")
	enc, _ := NewEncryptor(cfg)

	a, _ := enc.Encrypt([]byte("same plaintext"))
	b, _ := enc.Encrypt([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct ciphertexts from distinct nonces")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	cfg, _ := NewConfigFromPassword("pw")
	enc, _ := NewEncryptor(cfg)

	ct, _ := enc.Encrypt([]byte("payload"))
	ct[len(ct)-1] ^= 0xFF

	if _, err := enc.Decrypt(ct); err == nil {
		t.Fatalf("expected authentication failure on tampered ciphertext")
	}
}

func TestConfigFromPasswordAndSaltRederivesSameKey(t *testing.T) {
	cfg, err := NewConfigFromPassword("pw")
	if err != nil {
		t.Fatalf("NewConfigFromPassword: %v", err)
	}
	enc1, _ := NewEncryptor(cfg)

	reopened, err := ConfigFromPasswordAndSalt("pw", cfg.Salt)
	if err != nil {
		t.Fatalf("ConfigFromPasswordAndSalt: %v", err)
	}
	enc2, err := NewEncryptor(reopened)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ct, _ := enc1.Encrypt([]byte("durable record"))
	pt, err := enc2.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with rederived key: %v", err)
	}
	if string(pt) != "durable record" {
		t.Fatalf("got %q", pt)
	}
}

func TestNewEncryptorRejectsWrongKeySize(t *testing.T) {
	if _, err := NewEncryptor(Config{Key: []byte("too short")}); err == nil {
		t.Fatalf("expected error for non-32-byte key")
	}
}

func TestNewConfigFromPasswordRejectsEmptyPassword(t *testing.T) {
	if _, err := NewConfigFromPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
