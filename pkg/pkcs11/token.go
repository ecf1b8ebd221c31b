package pkcs11

import (
	"context"
	"crypto/rsa"
	"errors"
)

// ObjectClass selects the kind of token object to look up.
type ObjectClass int

const (
	ClassSecretKey ObjectClass = iota + 1
	ClassPublicKey
	ClassPrivateKey
)

// ObjectHandle identifies an object within a session.
type ObjectHandle uint

// Session represents an open PKCS#11 session on a token. Implementations are
// not required to be safe for concurrent use; Store serializes access.
type Session interface {
	Login(ctx context.Context, pin string) error
	Logout(ctx context.Context) error

	// FindKey returns the key with CKA_LABEL label and the given class, or
	// ErrObjectNotFound.
	FindKey(label string, class ObjectClass) (ObjectHandle, error)
	// KeyID returns CKA_ID of obj.
	KeyID(obj ObjectHandle) ([]byte, error)
	// GenerateAESKey creates a non-extractable token AES key.
	GenerateAESKey(label string, id []byte, bits int) error
	// GenerateRSAKeyPair creates a token RSA key pair sharing label and id.
	GenerateRSAKeyPair(label string, id []byte, bits int) error
	DestroyKey(obj ObjectHandle) error

	// EncryptECB and DecryptECB run CKM_AES_ECB over whole blocks.
	EncryptECB(key ObjectHandle, src []byte) ([]byte, error)
	DecryptECB(key ObjectHandle, src []byte) ([]byte, error)
	// DecryptOAEP runs CKM_RSA_PKCS_OAEP with SHA-256 and MGF1-SHA-1.
	DecryptOAEP(key ObjectHandle, ciphertext []byte) ([]byte, error)
	// PublicKey reads the modulus and exponent of a public key object.
	PublicKey(obj ObjectHandle) (*rsa.PublicKey, error)
}

// SessionProvider abstracts creation of PKCS#11 sessions from configuration.
type SessionProvider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

var (
	errSystemProviderUnavailable = errors.New("pkcs11: system provider unavailable; build with PKCS#11 support to use default")
	// ErrInvalidPIN indicates the supplied PIN was rejected by the token.
	ErrInvalidPIN = errors.New("pkcs11: invalid PIN")
	// ErrObjectNotFound indicates no object matched a lookup.
	ErrObjectNotFound = errors.New("pkcs11: object not found")
)

// Config supplies the parameters required to locate and access a PKCS#11 token.
type Config struct {
	ModulePath string
	TokenLabel string
	Slot       string
	PIN        string
	// RSABits is the modulus size of generated key pairs. Default: 2048.
	RSABits int
}

func (c Config) validate() error {
	if c.ModulePath == "" {
		return errors.New("pkcs11: module path must not be empty")
	}
	if c.TokenLabel == "" && c.Slot == "" {
		return errors.New("pkcs11: either token label or slot must be specified")
	}
	if c.PIN == "" {
		return errors.New("pkcs11: pin must not be empty")
	}
	if c.RSABits != 0 && c.RSABits < 2048 {
		return errors.New("pkcs11: rsa modulus must be at least 2048 bits")
	}
	return nil
}

var systemSessionProvider SessionProvider

// SetSystemSessionProvider installs the default session provider used when
// callers pass nil to Open.
func SetSystemSessionProvider(p SessionProvider) {
	systemSessionProvider = p
}
