// Package vault seals and unseals the agent's bearer token at rest,
// binding the ciphertext to the host it was sealed on: the encryption
// key is derived from a stable machine identity, so copying the config
// file to another machine yields an undecryptable blob, not a
// credential.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrUnsealFailed is returned when a SealedToken cannot be decrypted on
// this host: either it was sealed elsewhere, the entropy didn't match,
// or the blob was corrupted. This is unrecoverable for the install;
// callers must trigger a re-configure, never fall back to plaintext.
var ErrUnsealFailed = errors.New("vault: unseal failed")

const (
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32 // AES-256
	argonTime  = 1
	argonMem   = 64 * 1024 // 64 MiB
	argonLanes = 4
)

// SealedToken is the opaque, on-disk form of a bearer token: a
// base64-encoded blob of salt || nonce || ciphertext. Callers must never
// attempt to parse its internal structure.
type SealedToken string

// HostIdentity supplies the machine-bound secret the vault uses as KDF
// input. Platform implementations live in hostid_*.go.
type HostIdentity interface {
	// ID returns a stable, host-bound identifier. It must not change across
	// reboots and must differ across machines and (where the platform makes
	// the distinction meaningful) user accounts.
	ID() (string, error)
}

// Sealer seals plaintext tokens into an opaque on-disk form and reverses
// the operation, binding both directions to the local host identity.
type Sealer interface {
	Seal(plaintext string, entropy []byte) (SealedToken, error)
	Unseal(sealed SealedToken, entropy []byte) (string, error)
}

// HostVault is the default host-bound Sealer implementation: it derives
// an AES-256-GCM key from the host identity (plus optional caller
// entropy) via argon2id, and seals/unseals using that key. There is a
// single implementation for all platforms; only HostIdentity is
// platform-split.
type HostVault struct {
	identity HostIdentity
}

// New returns a HostVault bound to the local machine identity.
func New(identity HostIdentity) *HostVault {
	return &HostVault{identity: identity}
}

// Seal encrypts plaintext with a fresh random salt and nonce, so repeated
// calls on the same plaintext yield different ciphertexts (non-deterministic
// per the contract). entropy, if non-nil, is additional caller-supplied
// material mixed into the KDF; Unseal requires the identical entropy.
func (v *HostVault) Seal(plaintext string, entropy []byte) (SealedToken, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}

	key, err := v.deriveKey(salt, entropy)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	return SealedToken(base64.StdEncoding.EncodeToString(blob)), nil
}

// Unseal decrypts a SealedToken produced by Seal on this same host (and, if
// entropy was supplied at seal time, the identical entropy). Any failure
// (wrong host, wrong entropy, corrupt blob) surfaces as ErrUnsealFailed;
// there is no silent fallback to plaintext.
func (v *HostVault) Unseal(sealed SealedToken, entropy []byte) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(string(sealed))
	if err != nil {
		return "", fmt.Errorf("%w: malformed base64: %v", ErrUnsealFailed, err)
	}
	if len(blob) < saltSize+nonceSize {
		return "", fmt.Errorf("%w: blob too short", ErrUnsealFailed)
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	key, err := v.deriveKey(salt, entropy)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return string(plaintext), nil
}

// deriveKey runs argon2id over the host identity, salt, and optional
// entropy to produce an AES-256 key. Using the OS crypto facility (the
// entropy source for rand.Read) plus a host-bound identity is what ties
// the sealed blob to this specific machine.
func (v *HostVault) deriveKey(salt, entropy []byte) ([]byte, error) {
	id, err := v.identity.ID()
	if err != nil {
		return nil, fmt.Errorf("vault: host identity unavailable: %w", err)
	}
	password := append([]byte(id), entropy...)
	return argon2.IDKey(password, salt, argonTime, argonMem, argonLanes, keySize), nil
}
