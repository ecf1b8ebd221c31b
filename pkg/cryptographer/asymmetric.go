package cryptographer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
)

// oaepOptions selects SHA-256 for the label hash and SHA-1 for MGF1.
var oaepOptions = &rsa.OAEPOptions{Hash: crypto.SHA256, MGFHash: crypto.SHA1}

// Asymmetric seals with RSA-OAEP. Sealing needs only the public key and is
// never gated; unsealing uses the user-bound private key.
type Asymmetric struct {
	vault Vault
	rand  io.Reader
}

var _ Cryptographer = (*Asymmetric)(nil)

// NewAsymmetric returns an Asymmetric cryptographer over vault.
func NewAsymmetric(vault Vault) (*Asymmetric, error) {
	if vault == nil {
		return nil, errors.New("cryptographer: vault must not be nil")
	}
	return &Asymmetric{vault: vault, rand: rand.Reader}, nil
}

// Gated reports whether purpose needs a biometric match. Sealing only uses
// the public key.
func (a *Asymmetric) Gated(purpose Purpose) bool { return purpose != Seal }

// Prepare binds an OAEP cipher for purpose. Sealing returns a synchronous
// Handle.
func (a *Asymmetric) Prepare(purpose Purpose, alias, text string) (*Handle, error) {
	switch purpose {
	case Seal:
		return a.prepareSeal(alias, text)
	case Unseal:
		return a.prepareUnseal(alias, text)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidPurpose, purpose)
	}
}

// Complete runs the prepared cipher. Seal returns base64(ciphertext), Unseal
// returns the plaintext.
func (a *Asymmetric) Complete(h *Handle) (string, error) {
	return complete(h)
}

func (a *Asymmetric) prepareSeal(alias, text string) (*Handle, error) {
	ok, err := a.vault.ContainsKey(alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := a.vault.GenerateKey(alias, keyvault.KindAsymmetric); err != nil {
			return nil, err
		}
	}
	pub, err := a.vault.FetchPublicKey(alias)
	if err != nil {
		return nil, heal(a.vault, alias, err)
	}
	rsaPub, err := unrestricted(pub)
	if err != nil {
		return nil, err
	}
	msg := []byte(text)

	return &Handle{
		purpose:     Seal,
		alias:       alias,
		synchronous: true,
		run: func() (string, error) {
			ct, err := encryptOAEP(a.rand, rsaPub, msg)
			if err != nil {
				return "", err
			}
			return base64.StdEncoding.EncodeToString(ct), nil
		},
	}, nil
}

func (a *Asymmetric) prepareUnseal(alias, text string) (*Handle, error) {
	ct, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	priv, err := a.vault.FetchPrivateKey(alias)
	if err != nil {
		return nil, heal(a.vault, alias, err)
	}

	return &Handle{
		purpose: Unseal,
		alias:   alias,
		run: func() (string, error) {
			plain, err := priv.Decrypt(a.rand, ct, oaepOptions)
			if err != nil {
				if errors.Is(err, keyvault.ErrKeyPermanentlyInvalidated) {
					return "", err
				}
				return "", fmt.Errorf("%w: %v", ErrCryptoOperationFailed, err)
			}
			return string(plain), nil
		},
	}, nil
}

// unrestricted re-derives the public key from its SubjectPublicKeyInfo
// encoding, detaching it from any store-specific usage restrictions.
func unrestricted(pub crypto.PublicKey) (*rsa.PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cryptographer: encode public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cryptographer: decode public key: %w", err)
	}
	rsaPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptographer: public key is %T, want RSA", parsed)
	}
	return rsaPub, nil
}
