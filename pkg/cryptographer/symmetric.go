package cryptographer

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
)

// Symmetric seals with AES-256-CBC and PKCS#7 padding.
type Symmetric struct {
	vault Vault
	rand  io.Reader
}

var _ Cryptographer = (*Symmetric)(nil)

// NewSymmetric returns a Symmetric cryptographer over vault.
func NewSymmetric(vault Vault) (*Symmetric, error) {
	if vault == nil {
		return nil, errors.New("cryptographer: vault must not be nil")
	}
	return &Symmetric{vault: vault, rand: rand.Reader}, nil
}

// Gated reports true: every secret-key operation needs a match.
func (s *Symmetric) Gated(Purpose) bool { return true }

// Prepare binds a CBC cipher for purpose. Seal creates the key on first use;
// Unseal parses text before touching the vault and never creates a key.
func (s *Symmetric) Prepare(purpose Purpose, alias, text string) (*Handle, error) {
	switch purpose {
	case Seal:
		return s.prepareSeal(alias, text)
	case Unseal:
		return s.prepareUnseal(alias, text)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidPurpose, purpose)
	}
}

// Complete runs the prepared cipher. It returns the encoded payload for Seal
// and the plaintext for Unseal.
func (s *Symmetric) Complete(h *Handle) (string, error) {
	return complete(h)
}

func (s *Symmetric) prepareSeal(alias, text string) (*Handle, error) {
	ok, err := s.vault.ContainsKey(alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.vault.GenerateKey(alias, keyvault.KindSymmetric); err != nil {
			return nil, err
		}
	}
	block, err := s.vault.FetchSecretKey(alias)
	if err != nil {
		return nil, heal(s.vault, alias, err)
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, fmt.Errorf("cryptographer: generate iv: %w", err)
	}
	enc := cipher.NewCBCEncrypter(block, iv)
	plain := []byte(text)

	return &Handle{
		purpose: Seal,
		alias:   alias,
		run: func() (string, error) {
			padded := pkcs7Pad(plain, enc.BlockSize())
			ct := make([]byte, len(padded))
			enc.CryptBlocks(ct, padded)
			return SealedPayload{Ciphertext: ct, IV: iv}.String(), nil
		},
	}, nil
}

func (s *Symmetric) prepareUnseal(alias, text string) (*Handle, error) {
	payload, err := ParseSealedPayload(text)
	if err != nil {
		return nil, err
	}
	block, err := s.vault.FetchSecretKey(alias)
	if err != nil {
		return nil, heal(s.vault, alias, err)
	}
	if len(payload.IV) != block.BlockSize() {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrMalformedInput, len(payload.IV), block.BlockSize())
	}
	dec := cipher.NewCBCDecrypter(block, payload.IV)
	ct := payload.Ciphertext

	return &Handle{
		purpose: Unseal,
		alias:   alias,
		run: func() (string, error) {
			bs := dec.BlockSize()
			if len(ct) == 0 || len(ct)%bs != 0 {
				return "", fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrCryptoOperationFailed, len(ct), bs)
			}
			plain := make([]byte, len(ct))
			dec.CryptBlocks(plain, ct)
			unpadded, err := pkcs7Unpad(plain, bs)
			if err != nil {
				return "", err
			}
			return string(unpadded), nil
		},
	}, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length %d", ErrCryptoOperationFailed, len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrCryptoOperationFailed)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCryptoOperationFailed)
		}
	}
	return b[:len(b)-n], nil
}
