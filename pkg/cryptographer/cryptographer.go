// Package cryptographer binds cipher operations to named vault keys in two
// phases. Prepare resolves the key and builds a Handle; Complete runs the
// cipher. Between the two the Handle travels through the biometric matcher
// as its crypto object, so the key is only exercised after a successful
// match.
//
// Symmetric uses AES-256 in CBC mode with PKCS#7 padding and a random IV.
// Asymmetric uses RSA-OAEP with SHA-256 as the label hash and MGF1 over
// SHA-1, the parameter set platform key stores accept for user-bound keys.
package cryptographer

import (
	"crypto"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
)

// Purpose selects the direction of a cipher operation.
type Purpose int

const (
	// Seal encrypts plaintext into a payload.
	Seal Purpose = iota + 1
	// Unseal decrypts a payload into plaintext.
	Unseal
)

func (p Purpose) String() string {
	switch p {
	case Seal:
		return "seal"
	case Unseal:
		return "unseal"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

var (
	// ErrMalformedInput indicates an unseal input that cannot be parsed.
	ErrMalformedInput = errors.New("cryptographer: malformed input")
	// ErrCryptoOperationFailed indicates a padding, block size or OAEP
	// failure while running the cipher.
	ErrCryptoOperationFailed = errors.New("cryptographer: cipher operation failed")
	// ErrHandleConsumed indicates Complete was called twice on one Handle.
	ErrHandleConsumed = errors.New("cryptographer: handle already completed")
	// ErrInvalidPurpose indicates a Purpose other than Seal or Unseal.
	ErrInvalidPurpose = errors.New("cryptographer: invalid purpose")
	// ErrNilHandle indicates Complete was called without a Handle.
	ErrNilHandle = errors.New("cryptographer: handle must not be nil")
)

// Vault is the subset of *keyvault.Vault the cryptographers use.
type Vault interface {
	ContainsKey(alias string) (bool, error)
	GenerateKey(alias string, kind keyvault.Kind) error
	FetchSecretKey(alias string) (cipher.Block, error)
	FetchPrivateKey(alias string) (crypto.Decrypter, error)
	FetchPublicKey(alias string) (crypto.PublicKey, error)
	DeleteKey(alias string) error
}

var _ Vault = (*keyvault.Vault)(nil)

// Cryptographer prepares and completes cipher operations for one algorithm.
type Cryptographer interface {
	Prepare(purpose Purpose, alias, text string) (*Handle, error)
	Complete(h *Handle) (string, error)
}

// GateReporter is implemented by cryptographers that know before Prepare
// whether a purpose needs a biometric match.
type GateReporter interface {
	Gated(purpose Purpose) bool
}

// Handle is a cipher bound to a key and an input, ready to run once.
type Handle struct {
	purpose     Purpose
	alias       string
	synchronous bool
	run         func() (string, error)

	mu       sync.Mutex
	consumed bool
}

// Purpose reports the direction the handle was prepared for.
func (h *Handle) Purpose() Purpose { return h.purpose }

// Alias reports the key alias the handle is bound to.
func (h *Handle) Alias() string { return h.alias }

// Synchronous reports whether the handle may be completed without a
// biometric match. Only public-key seals are synchronous.
func (h *Handle) Synchronous() bool { return h.synchronous }

// complete runs the bound cipher at most once. Panics from token-backed
// ciphers are reported as ErrCryptoOperationFailed.
func complete(h *Handle) (out string, err error) {
	if h == nil || h.run == nil {
		return "", ErrNilHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return "", ErrHandleConsumed
	}
	h.consumed = true

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				out, err = "", fmt.Errorf("%w: %w", ErrCryptoOperationFailed, e)
				return
			}
			out, err = "", fmt.Errorf("%w: %v", ErrCryptoOperationFailed, r)
		}
	}()
	return h.run()
}

// heal deletes alias when err reports permanent invalidation so the next
// seal can generate a fresh key. err is always returned.
func heal(v Vault, alias string, err error) error {
	if !errors.Is(err, keyvault.ErrKeyPermanentlyInvalidated) {
		return err
	}
	jww.WARN.Printf("cryptographer: key %q permanently invalidated, deleting", alias)
	if derr := v.DeleteKey(alias); derr != nil {
		return errors.Join(err, derr)
	}
	return err
}
