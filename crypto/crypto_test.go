package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid key", testKey(t), ""},
		{"empty key", "", "empty"},
		{"not base64", "!!!not-base64!!!", "base64 decode"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), "32 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tc.key)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("NewAESEncryptor: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	plaintext := "oauth-refresh-token-value"
	ct, err := EncryptString(enc, plaintext)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == plaintext {
		t.Errorf("ciphertext equals plaintext")
	}
	got, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != plaintext {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEncryptStringEmpty(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	ct, err := EncryptString(enc, "")
	if err != nil || ct != "" {
		t.Errorf("EncryptString(\"\") = %q, %v; want empty, nil", ct, err)
	}
}

func TestDecryptTampered(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	ct, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Errorf("expected authentication failure for tampered ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1, _ := NewAESEncryptor(testKey(t))
	enc2, _ := NewAESEncryptor(testKey(t))
	ct, err := enc1.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(ct); err == nil {
		t.Errorf("expected failure decrypting with a different key")
	}
}
