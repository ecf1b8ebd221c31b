package tpm2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

func init() {
	systemTPMProvider = &deviceProvider{}
}

// The TPM executes one command stream at a time.
var deviceMu sync.Mutex

// socketTPM adapts a Unix socket connection to a simulator.
type socketTPM struct {
	transport.TPM
	conn io.Closer
}

func (t *socketTPM) Close() error { return t.conn.Close() }

// deviceProvider opens a character device or a Unix socket with go-tpm.
type deviceProvider struct{}

func (deviceProvider) Open(ctx context.Context, cfg Config) (TPMSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(cfg.DevicePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTPMUnavailable, cfg.DevicePath)
		}
		return nil, fmt.Errorf("tpm2: stat device: %w", err)
	}

	deviceMu.Lock()
	var tpm transport.TPMCloser
	if info.Mode()&os.ModeSocket != 0 {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", cfg.DevicePath)
		if err != nil {
			deviceMu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrTPMUnavailable, err)
		}
		tpm = &socketTPM{TPM: transport.FromReadWriter(conn), conn: conn}
	} else {
		tpm, err = transport.OpenTPM(cfg.DevicePath)
		if err != nil {
			deviceMu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrTPMUnavailable, err)
		}
	}
	return &deviceSession{tpm: tpm, cfg: cfg, bank: hashAlgorithm(cfg.HashAlgorithm)}, nil
}

type deviceSession struct {
	tpm  transport.TPMCloser
	cfg  Config
	bank tpm2.TPMAlgID
	once sync.Once
}

func (s *deviceSession) Unseal(ctx context.Context, handle Handle, password string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	readPub, err := tpm2.ReadPublic{ObjectHandle: tpm2.TPMHandle(handle)}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	pub, err := readPub.OutPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm2: read public area: %w", err)
	}
	if len(pub.AuthPolicy.Buffer) > 0 {
		return s.unsealWithPolicy(tpm2.TPMHandle(handle), readPub.Name)
	}
	return s.unseal(tpm2.AuthHandle{
		Handle: tpm2.TPMHandle(handle),
		Name:   readPub.Name,
		Auth:   tpm2.PasswordAuth([]byte(password)),
	})
}

func (s *deviceSession) unsealWithPolicy(handle tpm2.TPMHandle, name tpm2.TPM2BName) ([]byte, error) {
	sess, cleanup, err := tpm2.PolicySession(s.tpm, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("tpm2: start policy session: %w", err)
	}
	defer cleanup()

	_, err = tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{{
				Hash:      s.bank,
				PCRSelect: pcrSelect(s.cfg.PCRSelection),
			}},
		},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return s.unseal(tpm2.AuthHandle{Handle: handle, Name: name, Auth: sess})
}

func (s *deviceSession) unseal(item tpm2.AuthHandle) ([]byte, error) {
	rsp, err := tpm2.Unseal{ItemHandle: item}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return rsp.OutData.Buffer, nil
}

func (s *deviceSession) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		defer deviceMu.Unlock()
		err = s.tpm.Close()
	})
	return err
}

// pcrSelect builds the 3-byte PCR bitmap.
func pcrSelect(pcrs []int) []byte {
	sel := make([]byte, 3)
	for _, pcr := range pcrs {
		if pcr >= 0 && pcr < 24 {
			sel[pcr/8] |= 1 << uint(pcr%8)
		}
	}
	return sel
}

func hashAlgorithm(alg string) tpm2.TPMAlgID {
	switch alg {
	case "SHA1":
		return tpm2.TPMAlgSHA1
	case "SHA384":
		return tpm2.TPMAlgSHA384
	case "SHA512":
		return tpm2.TPMAlgSHA512
	default:
		return tpm2.TPMAlgSHA256
	}
}

func mapTPMError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tpm2.TPMRCBadAuth), errors.Is(err, tpm2.TPMRCAuthFail), errors.Is(err, tpm2.TPMRCLockout):
		return fmt.Errorf("%w: %w", ErrInvalidPassword, err)
	case errors.Is(err, tpm2.TPMRCPolicyFail), errors.Is(err, tpm2.TPMRCPCRChanged), errors.Is(err, tpm2.TPMRCValue):
		return fmt.Errorf("%w: %w", ErrPCRMismatch, err)
	case errors.Is(err, tpm2.TPMRCHandle):
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	default:
		return fmt.Errorf("tpm2: unseal failed: %w", err)
	}
}
