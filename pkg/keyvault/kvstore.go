package keyvault

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
)

const (
	keyPrefix      = "bioseal/key/"
	defaultRSABits = 2048
	aesKeySize     = 32
)

// keyRecord is the persisted form of a key. Material holds the raw AES key or
// the PKCS#8 DER encoding of the RSA private key.
type keyRecord struct {
	Kind                       Kind      `json:"kind"`
	RequiresUserAuthentication bool      `json:"requiresUserAuthentication"`
	Material                   []byte    `json:"material"`
	Enrollment                 []byte    `json:"enrollment,omitempty"`
	Invalidated                bool      `json:"invalidated,omitempty"`
	Created                    time.Time `json:"created"`
}

// Marshal serializes the record for storage in an ekv.KeyValue. The record
// holds only plain fields, so a failure here means something is badly wrong.
func (r *keyRecord) Marshal() []byte {
	d, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("keyvault: could not marshal key record: %v", err))
	}
	return d
}

// Unmarshal loads a record written by Marshal.
func (r *keyRecord) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// KVConfig configures a KVStore.
type KVConfig struct {
	// KV persists the key records (required).
	KV ekv.KeyValue
	// Enrollment, when set, binds keys to the enrollment set current at
	// generation time.
	Enrollment EnrollmentSource
	// RSABits is the modulus size of generated key pairs. Default: 2048.
	RSABits int
	// Rand overrides the entropy source; nil means crypto/rand.
	Rand io.Reader
}

func (c KVConfig) validate() error {
	if c.KV == nil {
		return errors.New("keyvault: key-value store must not be nil")
	}
	if c.RSABits != 0 && c.RSABits < 2048 {
		return fmt.Errorf("keyvault: rsa modulus of %d bits is too small", c.RSABits)
	}
	return nil
}

// KVStore is a Store persisted in an ekv.KeyValue. Backed by an
// ekv.Filestore the records are encrypted at rest with the store password.
type KVStore struct {
	mu         sync.Mutex
	kv         ekv.KeyValue
	enrollment EnrollmentSource
	digest     []byte
	rsaBits    int
	rand       io.Reader
}

var _ Store = (*KVStore)(nil)

// NewKVStore constructs a KVStore and takes an initial enrollment reading.
func NewKVStore(cfg KVConfig) (*KVStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &KVStore{
		kv:         cfg.KV,
		enrollment: cfg.Enrollment,
		rsaBits:    cfg.RSABits,
		rand:       cfg.Rand,
	}
	if s.rsaBits == 0 {
		s.rsaBits = defaultRSABits
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenKVStore opens (or creates) an encrypted ekv.Filestore in dir.
func OpenKVStore(dir, password string, enrollment EnrollmentSource) (*KVStore, error) {
	fs, err := ekv.NewFilestore(dir, password)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStoreUnavailable, dir, err)
	}
	return NewKVStore(KVConfig{KV: fs, Enrollment: enrollment})
}

// NewMemoryStore returns a KVStore over an ekv.Memstore. Nothing is written
// to disk.
func NewMemoryStore(enrollment EnrollmentSource) (*KVStore, error) {
	return NewKVStore(KVConfig{KV: ekv.MakeMemstore(), Enrollment: enrollment})
}

// Reload re-reads the current enrollment identifier.
func (s *KVStore) Reload() error {
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

func (s *KVStore) Contains(alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(alias); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *KVStore) Generate(h KeyHandle) error {
	rec := keyRecord{
		Kind:                       h.Kind,
		RequiresUserAuthentication: h.RequiresUserAuthentication,
		Created:                    time.Now().UTC(),
	}

	switch h.Kind {
	case KindSymmetric:
		rec.Material = make([]byte, aesKeySize)
		if _, err := io.ReadFull(s.rand, rec.Material); err != nil {
			return fmt.Errorf("generate aes key: %w", err)
		}
	case KindAsymmetric:
		priv, err := rsa.GenerateKey(s.rand, s.rsaBits)
		if err != nil {
			return fmt.Errorf("generate rsa key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return fmt.Errorf("encode rsa key: %w", err)
		}
		rec.Material = der
	default:
		return fmt.Errorf("keyvault: unsupported key kind %s", h.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Enrollment = append([]byte(nil), s.digest...)
	if err := s.kv.Set(keyPrefix+h.Alias, &rec); err != nil {
		return fmt.Errorf("store %q: %w", h.Alias, err)
	}
	return nil
}

func (s *KVStore) Secret(alias string) (cipher.Block, error) {
	rec, err := s.usable(alias, KindSymmetric)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(rec.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrKeyPermanentlyInvalidated, alias, err)
	}
	return block, nil
}

func (s *KVStore) Private(alias string) (crypto.Decrypter, error) {
	rec, err := s.usable(alias, KindAsymmetric)
	if err != nil {
		return nil, err
	}
	return parsePrivate(alias, rec.Material)
}

// Public returns the public half of the pair. It is not bound to the
// enrollment set, so it stays readable after the private half is invalidated.
func (s *KVStore) Public(alias string) (crypto.PublicKey, error) {
	s.mu.Lock()
	rec, err := s.load(alias)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if rec.Kind != KindAsymmetric {
		return nil, fmt.Errorf("%w: %q is %s", ErrKindMismatch, alias, rec.Kind)
	}
	priv, err := parsePrivate(alias, rec.Material)
	if err != nil {
		return nil, err
	}
	return priv.Public(), nil
}

func (s *KVStore) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(alias); errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err := s.kv.Delete(keyPrefix + alias); err != nil {
		return fmt.Errorf("delete %q: %w", alias, err)
	}
	return nil
}

// Invalidate marks alias as permanently invalidated, as a platform key store
// does when biometric enrollment changes underneath it.
func (s *KVStore) Invalidate(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(alias)
	if err != nil {
		return err
	}
	rec.Invalidated = true
	if err := s.kv.Set(keyPrefix+alias, rec); err != nil {
		return fmt.Errorf("store %q: %w", alias, err)
	}
	jww.DEBUG.Printf("keyvault: marked %q invalidated", alias)
	return nil
}

// usable loads alias and checks its kind and enrollment binding.
func (s *KVStore) usable(alias string, kind Kind) (*keyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(alias)
	if err != nil {
		return nil, err
	}
	if rec.Kind != kind {
		return nil, fmt.Errorf("%w: %q is %s", ErrKindMismatch, alias, rec.Kind)
	}
	if rec.Invalidated {
		return nil, fmt.Errorf("%w: %q", ErrKeyPermanentlyInvalidated, alias)
	}
	if s.enrollment != nil && rec.RequiresUserAuthentication && !bytes.Equal(rec.Enrollment, s.digest) {
		return nil, fmt.Errorf("%w: %q: enrollment changed", ErrKeyPermanentlyInvalidated, alias)
	}
	return rec, nil
}

func (s *KVStore) load(alias string) (*keyRecord, error) {
	var rec keyRecord
	if err := s.kv.Get(keyPrefix+alias, &rec); err != nil {
		if !ekv.Exists(err) {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, alias)
		}
		return nil, fmt.Errorf("load %q: %w", alias, err)
	}
	return &rec, nil
}

func parsePrivate(alias string, der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: unrecoverable private key: %v", ErrKeyPermanentlyInvalidated, alias, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q: unexpected key type %T", ErrKeyPermanentlyInvalidated, alias, key)
	}
	return priv, nil
}
