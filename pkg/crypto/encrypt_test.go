package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncryptDecryptCycle(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"api key", "abc123def456ghi789"},
		{"unicode", "ключ 密钥"},
		{"json secret", `{"api_key":"k","api_secret":"s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := Encrypt(tt.plaintext, key)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			decrypted, err := Decrypt(encrypted, key)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("roundtrip mismatch: got %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

// Nonce случайный: одинаковый plaintext не должен давать одинаковый
// шифртекст
func TestEncryptNonceUnique(t *testing.T) {
	key, _ := GenerateKey()

	a, _ := Encrypt("same text", key)
	b, _ := Encrypt("same text", key)
	if a == b {
		t.Error("two encryptions produced identical ciphertexts")
	}
}

func TestKeyLengthEnforced(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		key := make([]byte, n)
		if _, err := Encrypt("x", key); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("Encrypt with %d byte key: got %v, want ErrInvalidKeyLength", n, err)
		}
		if _, err := Decrypt("x", key); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("Decrypt with %d byte key: got %v, want ErrInvalidKeyLength", n, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	encrypted, _ := Encrypt("secret data", key1)
	if _, err := Decrypt(encrypted, key2); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	key, _ := GenerateKey()

	if _, err := Decrypt("not-valid-base64!!!", key); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("got %v, want ErrInvalidCiphertext", err)
	}
	// валидный base64, но короче nonce
	if _, err := Decrypt("YWJj", key); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("got %v, want ErrCiphertextTooShort", err)
	}
}

// GCM аутентифицирует шифртекст: подмена байта обнаруживается
func TestDecryptTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	encrypted, _ := Encrypt("original data", key)

	raw, _ := base64.StdEncoding.DecodeString(encrypted)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decrypt(tampered, key); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptWithKeyString(t *testing.T) {
	keyString := "12345678901234567890123456789012"

	encrypted, err := Encrypt("test data", []byte(keyString))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decrypted, err := DecryptWithKeyString(encrypted, keyString)
	if err != nil {
		t.Fatalf("DecryptWithKeyString: %v", err)
	}
	if decrypted != "test data" {
		t.Errorf("got %q, want %q", decrypted, "test data")
	}

	if _, err := DecryptWithKeyString(encrypted, "short"); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("got %v, want ErrInvalidKeyLength", err)
	}
}
