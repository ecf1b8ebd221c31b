package pkcs11

import (
	"bytes"
	"context"
	"crypto"
	"crypto/cipher"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
)

const aesBlockSize = 16

// Store is a keyvault.Store whose keys never leave the token. CKA_ID carries
// the enrollment identifier current at generation, so a key generated before
// the enrollment set changed reports permanent invalidation.
type Store struct {
	mu         sync.Mutex
	session    Session
	enrollment keyvault.EnrollmentSource
	digest     []byte
	rsaBits    int
}

var _ keyvault.Store = (*Store)(nil)

// Open opens a session on the configured token and logs in. If provider is
// nil the package-level system provider is used, which requires linking
// against a real PKCS#11 implementation.
func Open(ctx context.Context, cfg Config, provider SessionProvider, enrollment keyvault.EnrollmentSource) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemSessionProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemSessionProvider
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := provider.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := session.Login(ctx, cfg.PIN); err != nil {
		return nil, errors.Join(err, session.Logout(ctx))
	}

	s := &Store{session: session, enrollment: enrollment, rsaBits: cfg.RSABits}
	if s.rsaBits == 0 {
		s.rsaBits = 2048
	}
	if err := s.Reload(); err != nil {
		return nil, errors.Join(err, session.Logout(ctx))
	}
	return s, nil
}

// Close logs out and releases the session.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Logout(context.Background())
}

// Reload re-reads the enrollment identifier.
func (s *Store) Reload() error {
	if s.enrollment == nil {
		return nil
	}
	id, err := s.enrollment.EnrollmentID()
	if err != nil {
		return fmt.Errorf("read enrollment: %w", err)
	}
	s.mu.Lock()
	s.digest = append([]byte(nil), id...)
	s.mu.Unlock()
	return nil
}

func (s *Store) Contains(alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, class := range []ObjectClass{ClassSecretKey, ClassPrivateKey} {
		_, err := s.session.FindKey(alias, class)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrObjectNotFound) {
			return false, err
		}
	}
	return false, nil
}

func (s *Store) Generate(h keyvault.KeyHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.destroy(h.Alias); err != nil {
		return err
	}
	id := append([]byte(nil), s.digest...)
	if len(id) == 0 {
		id = []byte(h.Alias)
	}
	switch h.Kind {
	case keyvault.KindSymmetric:
		return s.session.GenerateAESKey(h.Alias, id, 256)
	case keyvault.KindAsymmetric:
		return s.session.GenerateRSAKeyPair(h.Alias, id, s.rsaBits)
	default:
		return fmt.Errorf("pkcs11: unsupported key kind %s", h.Kind)
	}
}

func (s *Store) Secret(alias string) (cipher.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, err := s.find(alias, ClassSecretKey, ClassPrivateKey)
	if err != nil {
		return nil, err
	}
	return &tokenBlock{store: s, key: obj}, nil
}

func (s *Store) Private(alias string) (crypto.Decrypter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, err := s.find(alias, ClassPrivateKey, ClassSecretKey)
	if err != nil {
		return nil, err
	}
	pubObj, err := s.session.FindKey(alias, ClassPublicKey)
	if err != nil {
		return nil, s.lookupError(alias, err)
	}
	pub, err := s.session.PublicKey(pubObj)
	if err != nil {
		return nil, err
	}
	return &tokenDecrypter{store: s, key: obj, pub: pub}, nil
}

func (s *Store) Public(alias string) (crypto.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, err := s.session.FindKey(alias, ClassPublicKey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			if _, serr := s.session.FindKey(alias, ClassSecretKey); serr == nil {
				return nil, fmt.Errorf("%w: %q is symmetric", keyvault.ErrKindMismatch, alias)
			}
		}
		return nil, s.lookupError(alias, err)
	}
	return s.session.PublicKey(obj)
}

func (s *Store) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroy(alias)
}

func (s *Store) destroy(alias string) error {
	for _, class := range []ObjectClass{ClassSecretKey, ClassPublicKey, ClassPrivateKey} {
		obj, err := s.session.FindKey(alias, class)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.session.DestroyKey(obj); err != nil {
			return err
		}
		jww.DEBUG.Printf("pkcs11: destroyed %q (class %d)", alias, class)
	}
	return nil
}

// find looks up alias as want, reporting ErrKindMismatch when it exists only
// as other. The key's CKA_ID must match the current enrollment.
func (s *Store) find(alias string, want, other ObjectClass) (ObjectHandle, error) {
	obj, err := s.session.FindKey(alias, want)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			if _, oerr := s.session.FindKey(alias, other); oerr == nil {
				return 0, fmt.Errorf("%w: %q", keyvault.ErrKindMismatch, alias)
			}
		}
		return 0, s.lookupError(alias, err)
	}
	if s.enrollment != nil {
		id, err := s.session.KeyID(obj)
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(id, s.digest) {
			return 0, fmt.Errorf("%w: %q: enrollment changed", keyvault.ErrKeyPermanentlyInvalidated, alias)
		}
	}
	return obj, nil
}

func (s *Store) lookupError(alias string, err error) error {
	if errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("%w: %q", keyvault.ErrKeyNotFound, alias)
	}
	return err
}

// tokenBlock is an AES cipher.Block computed on the token. cipher.Block
// cannot return errors, so token failures panic; the cryptographer recovers
// them into an error.
type tokenBlock struct {
	store *Store
	key   ObjectHandle
}

func (b *tokenBlock) BlockSize() int { return aesBlockSize }

func (b *tokenBlock) Encrypt(dst, src []byte) {
	b.run(dst, src, b.store.session.EncryptECB)
}

func (b *tokenBlock) Decrypt(dst, src []byte) {
	b.run(dst, src, b.store.session.DecryptECB)
}

func (b *tokenBlock) run(dst, src []byte, op func(ObjectHandle, []byte) ([]byte, error)) {
	b.store.mu.Lock()
	out, err := op(b.key, src[:aesBlockSize])
	b.store.mu.Unlock()
	if err != nil {
		panic(fmt.Errorf("pkcs11: aes block: %w", err))
	}
	if len(out) != aesBlockSize {
		panic(fmt.Errorf("pkcs11: aes block: token returned %d bytes", len(out)))
	}
	copy(dst, out)
}

// tokenDecrypter is an RSA private key held on the token.
type tokenDecrypter struct {
	store *Store
	key   ObjectHandle
	pub   *rsa.PublicKey
}

func (d *tokenDecrypter) Public() crypto.PublicKey { return d.pub }

// Decrypt supports only OAEP with SHA-256 and MGF1-SHA-1.
func (d *tokenDecrypter) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	o, ok := opts.(*rsa.OAEPOptions)
	if !ok || o.Hash != crypto.SHA256 || (o.MGFHash != 0 && o.MGFHash != crypto.SHA1) || len(o.Label) != 0 {
		return nil, fmt.Errorf("pkcs11: unsupported decrypter options %T", opts)
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.store.session.DecryptOAEP(d.key, ciphertext)
}
