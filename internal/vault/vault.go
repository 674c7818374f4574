// Package vault encrypts provider credentials at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keySize = 32
	ivSize  = 16
	tagSize = 16

	selfTestProbe = "qingyun-vault-self-test"
)

// ErrCredential matches every CredentialError.
var ErrCredential = errors.New("vault: credential error")

// CredentialError reports a stored secret that could not be decoded or authenticated.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vault: %s failed", e.Op)
	}
	return fmt.Sprintf("vault: %s failed: %v", e.Op, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

func (e *CredentialError) Is(target error) bool { return target == ErrCredential }

// Sealed is the hex encoded output of Encrypt.
type Sealed struct {
	Ciphertext string
	IV         string
	Tag        string
}

// Vault holds the derived key. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AES-256 key from secret. A 64 character hex secret is decoded, a 32 byte secret is used as is,
// and anything else is hashed with SHA-256.
func New(secret string) (*Vault, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("vault: secret required")
	}
	block, err := aes.NewCipher(deriveKey(trimmed))
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func deriveKey(secret string) []byte {
	if len(secret) == keySize*2 {
		if decoded, err := hex.DecodeString(secret); err == nil {
			return decoded
		}
	}
	if len(secret) == keySize {
		return []byte(secret)
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("vault: generate iv: %w", err)
	}
	out := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]
	return Sealed{
		Ciphertext: hex.EncodeToString(body),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

// Decrypt verifies tag and returns the plaintext. Any failure is a *CredentialError.
func (v *Vault) Decrypt(ciphertext, iv, tag string) (string, error) {
	body, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", &CredentialError{Op: "decode ciphertext", Err: err}
	}
	nonce, err := hex.DecodeString(iv)
	if err != nil {
		return "", &CredentialError{Op: "decode iv", Err: err}
	}
	if len(nonce) != ivSize {
		return "", &CredentialError{Op: "decode iv", Err: fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(nonce))}
	}
	mac, err := hex.DecodeString(tag)
	if err != nil {
		return "", &CredentialError{Op: "decode tag", Err: err}
	}
	if len(mac) != tagSize {
		return "", &CredentialError{Op: "decode tag", Err: fmt.Errorf("tag must be %d bytes, got %d", tagSize, len(mac))}
	}
	sealed := make([]byte, 0, len(body)+len(mac))
	sealed = append(sealed, body...)
	sealed = append(sealed, mac...)
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CredentialError{Op: "authenticate", Err: err}
	}
	return string(plain), nil
}

// Seal encrypts plaintext into the combined "iv:tag:ciphertext" form.
func (v *Vault) Seal(plaintext string) (string, error) {
	s, err := v.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return s.IV + ":" + s.Tag + ":" + s.Ciphertext, nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		return "", &CredentialError{Op: "parse sealed value", Err: errors.New("expected iv:tag:ciphertext")}
	}
	return v.Decrypt(parts[2], parts[0], parts[1])
}

// SelfTest round-trips a probe value through the configured key.
func (v *Vault) SelfTest() error {
	sealed, err := v.Seal(selfTestProbe)
	if err != nil {
		return err
	}
	plain, err := v.Open(sealed)
	if err != nil {
		return err
	}
	if plain != selfTestProbe {
		return &CredentialError{Op: "self test", Err: errors.New("round trip mismatch")}
	}
	return nil
}
