//go:build pkcs11 && cgo

package pkcs11

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	pkcs "github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
)

func init() {
	systemSessionProvider = &nativeProvider{}
}

type nativeProvider struct{}

func (nativeProvider) Open(ctx context.Context, cfg Config) (Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	module := pkcs.New(cfg.ModulePath)
	if module == nil {
		return nil, errors.New("pkcs11: failed to load module")
	}
	if err := module.Initialize(); err != nil {
		module.Destroy()
		return nil, err
	}

	slot, err := selectSlot(module, cfg)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, err
	}

	sessionHandle, err := module.OpenSession(slot, pkcs.CKF_SERIAL_SESSION|pkcs.CKF_RW_SESSION)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, err
	}

	return &nativeSession{module: module, session: sessionHandle}, nil
}

func selectSlot(module *pkcs.Ctx, cfg Config) (uint, error) {
	if cfg.Slot != "" {
		id, err := strconv.ParseUint(cfg.Slot, 10, 32)
		if err != nil {
			return 0, err
		}
		return uint(id), nil
	}

	slots, err := module.GetSlotList(true)
	if err != nil {
		return 0, err
	}
	label := strings.TrimSpace(cfg.TokenLabel)
	for _, slot := range slots {
		info, err := module.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(info.Label), label) {
			return slot, nil
		}
	}
	return 0, errors.New("pkcs11: token not found")
}

type nativeSession struct {
	module  *pkcs.Ctx
	session pkcs.SessionHandle
}

func (s *nativeSession) Login(ctx context.Context, pin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.module.Login(s.session, pkcs.CKU_USER, pin)
	switch {
	case err == nil, errors.Is(err, pkcs.Error(pkcs.CKR_USER_ALREADY_LOGGED_IN)):
		return nil
	case errors.Is(err, pkcs.Error(pkcs.CKR_PIN_INCORRECT)), errors.Is(err, pkcs.Error(pkcs.CKR_PIN_LOCKED)):
		return fmt.Errorf("%w: %w", ErrInvalidPIN, err)
	default:
		return err
	}
}

func (s *nativeSession) Logout(ctx context.Context) error {
	defer func() {
		s.module.CloseSession(s.session)
		s.module.Finalize()
		s.module.Destroy()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.module.Logout(s.session); err != nil && err != pkcs.Error(pkcs.CKR_USER_NOT_LOGGED_IN) {
		return err
	}
	return nil
}

var objectClasses = map[ObjectClass]uint{
	ClassSecretKey:  pkcs.CKO_SECRET_KEY,
	ClassPublicKey:  pkcs.CKO_PUBLIC_KEY,
	ClassPrivateKey: pkcs.CKO_PRIVATE_KEY,
}

func (s *nativeSession) FindKey(label string, class ObjectClass) (ObjectHandle, error) {
	ckClass, ok := objectClasses[class]
	if !ok {
		return 0, fmt.Errorf("pkcs11: unknown object class %d", class)
	}
	template := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, ckClass),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
	}
	if err := s.module.FindObjectsInit(s.session, template); err != nil {
		return 0, err
	}
	objects, _, err := s.module.FindObjects(s.session, 1)
	if ferr := s.module.FindObjectsFinal(s.session); err == nil {
		err = ferr
	}
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, ErrObjectNotFound
	}
	return ObjectHandle(objects[0]), nil
}

func (s *nativeSession) KeyID(obj ObjectHandle) ([]byte, error) {
	attrs, err := s.module.GetAttributeValue(s.session, pkcs.ObjectHandle(obj), []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_ID, nil),
	})
	if err != nil {
		return nil, mapKeyError(err)
	}
	return attrs[0].Value, nil
}

func (s *nativeSession) GenerateAESKey(label string, id []byte, bits int) error {
	template := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_SECRET_KEY),
		pkcs.NewAttribute(pkcs.CKA_KEY_TYPE, pkcs.CKK_AES),
		pkcs.NewAttribute(pkcs.CKA_TOKEN, true),
		pkcs.NewAttribute(pkcs.CKA_PRIVATE, true),
		pkcs.NewAttribute(pkcs.CKA_SENSITIVE, true),
		pkcs.NewAttribute(pkcs.CKA_EXTRACTABLE, false),
		pkcs.NewAttribute(pkcs.CKA_ENCRYPT, true),
		pkcs.NewAttribute(pkcs.CKA_DECRYPT, true),
		pkcs.NewAttribute(pkcs.CKA_VALUE_LEN, bits/8),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
		pkcs.NewAttribute(pkcs.CKA_ID, id),
	}
	_, err := s.module.GenerateKey(s.session,
		[]*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_KEY_GEN, nil)}, template)
	return err
}

func (s *nativeSession) GenerateRSAKeyPair(label string, id []byte, bits int) error {
	public := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_PUBLIC_KEY),
		pkcs.NewAttribute(pkcs.CKA_KEY_TYPE, pkcs.CKK_RSA),
		pkcs.NewAttribute(pkcs.CKA_TOKEN, true),
		pkcs.NewAttribute(pkcs.CKA_ENCRYPT, true),
		pkcs.NewAttribute(pkcs.CKA_MODULUS_BITS, bits),
		pkcs.NewAttribute(pkcs.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
		pkcs.NewAttribute(pkcs.CKA_ID, id),
	}
	private := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_PRIVATE_KEY),
		pkcs.NewAttribute(pkcs.CKA_KEY_TYPE, pkcs.CKK_RSA),
		pkcs.NewAttribute(pkcs.CKA_TOKEN, true),
		pkcs.NewAttribute(pkcs.CKA_PRIVATE, true),
		pkcs.NewAttribute(pkcs.CKA_SENSITIVE, true),
		pkcs.NewAttribute(pkcs.CKA_EXTRACTABLE, false),
		pkcs.NewAttribute(pkcs.CKA_DECRYPT, true),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
		pkcs.NewAttribute(pkcs.CKA_ID, id),
	}
	_, _, err := s.module.GenerateKeyPair(s.session,
		[]*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)}, public, private)
	return err
}

func (s *nativeSession) DestroyKey(obj ObjectHandle) error {
	return s.module.DestroyObject(s.session, pkcs.ObjectHandle(obj))
}

func (s *nativeSession) EncryptECB(key ObjectHandle, src []byte) ([]byte, error) {
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_ECB, nil)}
	if err := s.module.EncryptInit(s.session, mech, pkcs.ObjectHandle(key)); err != nil {
		return nil, mapKeyError(err)
	}
	out, err := s.module.Encrypt(s.session, src)
	return out, mapKeyError(err)
}

func (s *nativeSession) DecryptECB(key ObjectHandle, src []byte) ([]byte, error) {
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_ECB, nil)}
	if err := s.module.DecryptInit(s.session, mech, pkcs.ObjectHandle(key)); err != nil {
		return nil, mapKeyError(err)
	}
	out, err := s.module.Decrypt(s.session, src)
	return out, mapKeyError(err)
}

func (s *nativeSession) DecryptOAEP(key ObjectHandle, ciphertext []byte) ([]byte, error) {
	params := pkcs.NewOAEPParams(pkcs.CKM_SHA256, pkcs.CKG_MGF1_SHA1, pkcs.CKZ_DATA_SPECIFIED, nil)
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_RSA_PKCS_OAEP, params)}
	if err := s.module.DecryptInit(s.session, mech, pkcs.ObjectHandle(key)); err != nil {
		return nil, mapKeyError(err)
	}
	out, err := s.module.Decrypt(s.session, ciphertext)
	return out, mapKeyError(err)
}

func (s *nativeSession) PublicKey(obj ObjectHandle) (*rsa.PublicKey, error) {
	attrs, err := s.module.GetAttributeValue(s.session, pkcs.ObjectHandle(obj), []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_MODULUS, nil),
		pkcs.NewAttribute(pkcs.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, mapKeyError(err)
	}
	e := new(big.Int).SetBytes(attrs[1].Value)
	if !e.IsInt64() || e.Int64() > 1<<31-1 {
		return nil, errors.New("pkcs11: public exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(attrs[0].Value), E: int(e.Int64())}, nil
}

// mapKeyError reports a key the token no longer accepts as permanently
// invalidated.
func mapKeyError(err error) error {
	if err == nil {
		return nil
	}
	var code pkcs.Error
	if errors.As(err, &code) {
		switch code {
		case pkcs.CKR_KEY_CHANGED, pkcs.CKR_KEY_HANDLE_INVALID, pkcs.CKR_OBJECT_HANDLE_INVALID:
			return fmt.Errorf("%w: %w", keyvault.ErrKeyPermanentlyInvalidated, err)
		}
	}
	return err
}
