// Package keyvault manages the named, biometric-bound keys used by the
// cryptographers. A Vault fronts a Store collaborator, reloading it before
// every read and normalising its failures into the package error taxonomy.
package keyvault

import (
	"crypto"
	"crypto/cipher"
	"errors"
	"fmt"

	jww "github.com/spf13/jwalterweatherman"
)

// Kind distinguishes symmetric from asymmetric keys.
type Kind int

const (
	// KindSymmetric is an AES-256 secret key.
	KindSymmetric Kind = iota + 1
	// KindAsymmetric is an RSA key pair.
	KindAsymmetric
)

func (k Kind) String() string {
	switch k {
	case KindSymmetric:
		return "symmetric"
	case KindAsymmetric:
		return "asymmetric"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KeyHandle names a key in the store.
type KeyHandle struct {
	Alias string
	Kind  Kind
	// RequiresUserAuthentication marks keys whose use must follow a
	// successful biometric match. Keys generated by a Vault always set it.
	RequiresUserAuthentication bool
}

var (
	// ErrKeyNotFound indicates no key exists under the alias.
	ErrKeyNotFound = errors.New("keyvault: key not found")
	// ErrKeyPermanentlyInvalidated indicates the key can never be used again,
	// typically because the enrolled biometric set changed.
	ErrKeyPermanentlyInvalidated = errors.New("keyvault: key permanently invalidated")
	// ErrStoreUnavailable wraps any other failure of the backing store.
	ErrStoreUnavailable = errors.New("keyvault: store unavailable")
	// ErrKindMismatch indicates the alias holds a key of another kind.
	ErrKindMismatch = errors.New("keyvault: key kind mismatch")
	// ErrEmptyAlias indicates an empty alias was supplied.
	ErrEmptyAlias = errors.New("keyvault: alias must not be empty")
)

// EnrollmentSource reports an identifier of the current biometric enrollment
// set. Stores stamp it on generated keys and treat a key whose stamp no longer
// matches as permanently invalidated.
type EnrollmentSource interface {
	EnrollmentID() ([]byte, error)
}

// Store is the secure key store collaborator. Implementations return
// ErrKeyNotFound, ErrKeyPermanentlyInvalidated and ErrKindMismatch (possibly
// wrapped) for the corresponding conditions; any other error is reported to
// callers as ErrStoreUnavailable.
type Store interface {
	// Reload refreshes any cached view of the store.
	Reload() error
	Contains(alias string) (bool, error)
	Generate(handle KeyHandle) error
	Secret(alias string) (cipher.Block, error)
	Private(alias string) (crypto.Decrypter, error)
	Public(alias string) (crypto.PublicKey, error)
	// Delete removes alias. Deleting a missing alias is not an error.
	Delete(alias string) error
}

// Vault is the key manager used by the cryptographers. It is safe for
// concurrent use when the Store is.
type Vault struct {
	store Store
}

// New wraps store.
func New(store Store) (*Vault, error) {
	if store == nil {
		return nil, errors.New("keyvault: store must not be nil")
	}
	return &Vault{store: store}, nil
}

// ContainsKey reports whether a key exists under alias.
func (v *Vault) ContainsKey(alias string) (bool, error) {
	if alias == "" {
		return false, ErrEmptyAlias
	}
	if err := v.reload(); err != nil {
		return false, err
	}
	ok, err := v.store.Contains(alias)
	if err != nil {
		return false, classify("contains", alias, err)
	}
	return ok, nil
}

// GenerateKey creates a user-authentication-bound key under alias, replacing
// whatever the store held there.
func (v *Vault) GenerateKey(alias string, kind Kind) error {
	if alias == "" {
		return ErrEmptyAlias
	}
	if kind != KindSymmetric && kind != KindAsymmetric {
		return fmt.Errorf("keyvault: unsupported key kind %s", kind)
	}
	if err := v.reload(); err != nil {
		return err
	}
	h := KeyHandle{Alias: alias, Kind: kind, RequiresUserAuthentication: true}
	if err := v.store.Generate(h); err != nil {
		return classify("generate", alias, err)
	}
	jww.INFO.Printf("keyvault: generated %s key %q", kind, alias)
	return nil
}

// FetchSecretKey returns the AES key under alias.
func (v *Vault) FetchSecretKey(alias string) (cipher.Block, error) {
	if alias == "" {
		return nil, ErrEmptyAlias
	}
	if err := v.reload(); err != nil {
		return nil, err
	}
	block, err := v.store.Secret(alias)
	if err != nil {
		return nil, classify("fetch secret", alias, err)
	}
	return block, nil
}

// FetchPrivateKey returns the private half of the key pair under alias.
func (v *Vault) FetchPrivateKey(alias string) (crypto.Decrypter, error) {
	if alias == "" {
		return nil, ErrEmptyAlias
	}
	if err := v.reload(); err != nil {
		return nil, err
	}
	priv, err := v.store.Private(alias)
	if err != nil {
		return nil, classify("fetch private", alias, err)
	}
	return priv, nil
}

// FetchPublicKey returns the public half of the key pair under alias.
func (v *Vault) FetchPublicKey(alias string) (crypto.PublicKey, error) {
	if alias == "" {
		return nil, ErrEmptyAlias
	}
	if err := v.reload(); err != nil {
		return nil, err
	}
	pub, err := v.store.Public(alias)
	if err != nil {
		return nil, classify("fetch public", alias, err)
	}
	return pub, nil
}

// DeleteKey removes alias. A missing alias is a no-op.
func (v *Vault) DeleteKey(alias string) error {
	if alias == "" {
		return ErrEmptyAlias
	}
	if err := v.reload(); err != nil {
		return err
	}
	if err := v.store.Delete(alias); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return classify("delete", alias, err)
	}
	jww.INFO.Printf("keyvault: deleted key %q", alias)
	return nil
}

func (v *Vault) reload() error {
	if err := v.store.Reload(); err != nil {
		jww.ERROR.Printf("keyvault: reload failed: %v", err)
		return fmt.Errorf("%w: reload: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func classify(op, alias string, err error) error {
	switch {
	case errors.Is(err, ErrKeyNotFound),
		errors.Is(err, ErrKeyPermanentlyInvalidated),
		errors.Is(err, ErrKindMismatch),
		errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		jww.ERROR.Printf("keyvault: %s %q: %v", op, alias, err)
		return fmt.Errorf("%w: %s %q: %w", ErrStoreUnavailable, op, alias, err)
	}
}
