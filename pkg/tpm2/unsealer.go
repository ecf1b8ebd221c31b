package tpm2

import (
	"context"
	"errors"
	"fmt"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
)

// Handle represents a TPM object handle for sealed data.
type Handle uint32

// TPMSession represents an active TPM connection capable of unsealing data.
type TPMSession interface {
	// Unseal returns the data sealed under handle. The TPM verifies the PCR
	// policy or the password, whichever the object was sealed with.
	Unseal(ctx context.Context, handle Handle, password string) ([]byte, error)
	Close(ctx context.Context) error
}

// TPMProvider abstracts creation of TPM sessions from configuration.
type TPMProvider interface {
	Open(ctx context.Context, cfg Config) (TPMSession, error)
}

var (
	// ErrTPMUnavailable indicates the TPM device is not accessible.
	ErrTPMUnavailable = errors.New("tpm2: device unavailable")
	// ErrInvalidPassword indicates the supplied password was rejected during unsealing.
	ErrInvalidPassword = errors.New("tpm2: invalid authorization")
	// ErrPCRMismatch indicates PCR policy validation failed during unseal.
	ErrPCRMismatch = errors.New("tpm2: pcr policy validation failed")
	// ErrNilUnsealer indicates a nil unsealer was used.
	ErrNilUnsealer = errors.New("tpm2: unsealer is nil")
	// ErrInvalidHandle indicates an invalid sealed object handle.
	ErrInvalidHandle = errors.New("tpm2: invalid sealed object handle")
	// ErrEmptySecret indicates the sealed object holds no data.
	ErrEmptySecret = errors.New("tpm2: sealed object is empty")

	errSystemProviderUnavailable = errors.New("tpm2: system provider unavailable; configure a TPM provider")
)

// Config supplies the parameters required to locate and unseal data from a TPM 2.0 device.
type Config struct {
	// DevicePath is the TPM device or a Unix socket to a simulator
	// (e.g. "/dev/tpmrm0").
	DevicePath string
	// SealedHandle is the persistent handle (0x81xxxxxx) of the sealed passphrase.
	SealedHandle Handle
	// PCRSelection lists the PCRs the policy was computed over.
	PCRSelection []int
	// HashAlgorithm is the PCR bank: "SHA1", "SHA256", "SHA384" or "SHA512".
	// Default: "SHA256".
	HashAlgorithm string
}

func (c Config) validate() error {
	if c.DevicePath == "" {
		return errors.New("tpm2: device path must not be empty")
	}
	if c.SealedHandle == 0 {
		return errors.New("tpm2: sealed handle must be specified")
	}
	if len(c.PCRSelection) == 0 {
		return errors.New("tpm2: at least one PCR must be selected")
	}
	for _, pcr := range c.PCRSelection {
		if pcr < 0 || pcr > 23 {
			return fmt.Errorf("tpm2: PCR %d is invalid; must be between 0 and 23", pcr)
		}
	}
	switch c.HashAlgorithm {
	case "", "SHA1", "SHA256", "SHA384", "SHA512":
	default:
		return fmt.Errorf("tpm2: unsupported hash algorithm: %s", c.HashAlgorithm)
	}
	return nil
}

var systemTPMProvider TPMProvider

// SetSystemTPMProvider installs the default TPM provider used when callers
// pass nil to NewUnsealer.
func SetSystemTPMProvider(p TPMProvider) {
	systemTPMProvider = p
}

// Unsealer recovers the key store passphrase from a TPM object sealed to a
// PCR policy, so the store only opens on a platform in a known state.
type Unsealer struct {
	cfg      Config
	provider TPMProvider
}

// NewUnsealer constructs an Unsealer. If provider is nil, the package-level
// system provider is used.
func NewUnsealer(cfg Config, provider TPMProvider) (*Unsealer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemTPMProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemTPMProvider
	}
	return &Unsealer{cfg: cfg, provider: provider}, nil
}

// Unseal returns the sealed passphrase. password is only checked for objects
// sealed with password authorization. Device and policy failures are
// reported as keyvault.ErrStoreUnavailable wrapping the tpm2 error.
func (u *Unsealer) Unseal(ctx context.Context, password string) (secret []byte, err error) {
	if u == nil {
		return nil, ErrNilUnsealer
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := u.provider.Open(ctx, u.cfg)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	secret, err = session.Unseal(ctx, u.cfg.SealedHandle, password)
	if err != nil {
		jww.WARN.Printf("tpm2: unseal handle %#x: %v", uint32(u.cfg.SealedHandle), err)
		return nil, unavailable(err)
	}
	if len(secret) == 0 {
		return nil, unavailable(ErrEmptySecret)
	}
	return secret, nil
}

// OpenStore unseals the passphrase and opens the encrypted key store in dir.
func (u *Unsealer) OpenStore(ctx context.Context, password, dir string, enrollment keyvault.EnrollmentSource) (*keyvault.KVStore, error) {
	secret, err := u.Unseal(ctx, password)
	if err != nil {
		return nil, err
	}
	jww.DEBUG.Printf("tpm2: passphrase unsealed, opening key store %s", dir)
	return keyvault.OpenKVStore(dir, string(secret), enrollment)
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", keyvault.ErrStoreUnavailable, err)
}
