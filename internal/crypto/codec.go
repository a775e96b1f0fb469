// Package crypto seals JSON payloads with AES-256-GCM under a key derived from a caller secret.
//
// An encoded blob is the standard base64 encoding of
//
//	IV (12 bytes) || tag (16 bytes) || ciphertext
//
// Every Encode call draws a fresh random IV.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// IVSize is the GCM nonce length.
	IVSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// KeySize is the AES-256 key length, equal to the SHA-256 digest length.
	KeySize = sha256.Size
)

var (
	// ErrAuthentication is returned when the tag does not verify: wrong secret,
	// tampered ciphertext or a corrupted blob.
	ErrAuthentication = errors.New("crypto: message authentication failed")

	// ErrFormat is returned when a blob is not base64 or is shorter than IV+tag.
	ErrFormat = errors.New("crypto: malformed blob")

	// ErrEmptySecret is returned when the secret is empty.
	ErrEmptySecret = errors.New("crypto: secret must not be empty")
)

// DeriveKey hashes secret into an AES-256 key.
func DeriveKey(secret string) [KeySize]byte {
	return sha256.Sum256([]byte(secret))
}

// DeriveSecret binds the server-wide secret to a record owner: base + "_" + ownerID.
func DeriveSecret(base, ownerID string) string {
	return base + "_" + ownerID
}

// Encode serializes v to JSON and seals it under secret.
func Encode(v any, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to serialize payload: %w", err)
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, IVSize+TagSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decode opens blob with secret and unmarshals the JSON plaintext into v.
func Decode(blob, secret string, v any) error {
	plaintext, err := Open(blob, secret)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("crypto: failed to deserialize payload: %w", err)
	}
	return nil
}

// DecodeValue opens blob and returns the generic JSON value it holds.
func DecodeValue(blob, secret string) (any, error) {
	var v any
	if err := Decode(blob, secret, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Open returns the raw plaintext sealed in blob.
func Open(blob, secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrFormat
	}
	if len(raw) < IVSize+TagSize {
		return nil, ErrFormat
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	iv := raw[:IVSize]
	tag := raw[IVSize : IVSize+TagSize]
	ct := raw[IVSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	key := DeriveKey(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}
