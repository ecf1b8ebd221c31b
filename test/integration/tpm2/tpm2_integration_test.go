//go:build integration

package tpm2_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
	"github.com/jeremyhahn/go-bioseal/pkg/tpm2"
)

const (
	// TPM device path - can be either real device or Unix socket
	tpmDevicePath = "/dev/tpmrm0"

	// Test handles for sealed objects created during Docker image build
	validHandle     = tpm2.Handle(0x81000001) // Sealed with correct password
	invalidHandle   = tpm2.Handle(0x81000002) // Sealed with different password
	pcrPolicyHandle = tpm2.Handle(0x81000003) // Sealed with PCR policy
	sha384Handle    = tpm2.Handle(0x81000004) // Sealed with SHA384 hash

	correctPassword = "test-password-123"
	wrongPassword   = "wrong-password"

	testPCR = 7
)

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// skipIfTPMUnavailable skips the test if the TPM device is not available.
func skipIfTPMUnavailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat(tpmDevicePath); os.IsNotExist(err) {
		t.Skipf("TPM device not available at %s", tpmDevicePath)
	}
}

func newUnsealer(t *testing.T, handle tpm2.Handle, pcrs []int, hash string) *tpm2.Unsealer {
	t.Helper()
	u, err := tpm2.NewUnsealer(tpm2.Config{
		DevicePath:    tpmDevicePath,
		SealedHandle:  handle,
		PCRSelection:  pcrs,
		HashAlgorithm: hash,
	}, nil)
	if err != nil {
		t.Fatalf("failed to create unsealer: %v", err)
	}
	return u
}

// resetTPMLockout clears the dictionary attack counter after tests that
// deliberately fail authorization. The TPM locks out every authorization,
// correct ones included, once the counter trips.
func resetTPMLockout(t *testing.T) {
	t.Helper()

	if script := os.Getenv("TPM_LOCKOUT_RESET_SCRIPT"); script != "" {
		if out, err := exec.Command(script).CombinedOutput(); err != nil {
			t.Logf("Warning: could not reset TPM lockout via %s: %v\nOutput: %s", script, err, out)
		}
		return
	}

	tcti := "device:" + tpmDevicePath
	if fi, err := os.Stat(tpmDevicePath); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if _, err := os.Stat("/tmp/swtpm-sock"); err == nil {
			tcti = "swtpm:path=/tmp/swtpm-sock"
		}
	}
	cmd := exec.Command("tpm2_dictionarylockout", "-c")
	cmd.Env = append(os.Environ(), "TPM2TOOLS_TCTI="+tcti)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Logf("Warning: could not reset TPM lockout counter via %s: %v\nOutput: %s", tcti, err, out)
	}
}

func TestUnsealSuccess(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := testContext(t)
	defer cancel()

	secret, err := newUnsealer(t, validHandle, []int{testPCR}, "SHA256").Unseal(ctx, correctPassword)
	if err != nil {
		t.Fatalf("expected successful unseal, got error: %v", err)
	}
	if len(secret) == 0 {
		t.Fatal("expected a non-empty sealed passphrase")
	}
}

func TestUnsealPasswords(t *testing.T) {
	skipIfTPMUnavailable(t)
	defer resetTPMLockout(t)

	tests := []struct {
		name     string
		handle   tpm2.Handle
		password string
		wantErr  error
	}{
		{name: "correct password", handle: validHandle, password: correctPassword},
		{name: "wrong password", handle: validHandle, password: wrongPassword, wantErr: tpm2.ErrInvalidPassword},
		{name: "correct password on other object", handle: invalidHandle, password: correctPassword, wantErr: tpm2.ErrInvalidPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := testContext(t)
			defer cancel()

			_, err := newUnsealer(t, tt.handle, []int{testPCR}, "SHA256").Unseal(ctx, tt.password)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected success, got error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got: %v", tt.wantErr, err)
			}
			if !errors.Is(err, keyvault.ErrStoreUnavailable) {
				t.Errorf("expected the store to be reported unavailable, got: %v", err)
			}
		})
	}
}

// PCR 7 has not been extended since the policy object was sealed.
func TestUnsealPCRPolicy(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := testContext(t)
	defer cancel()

	if _, err := newUnsealer(t, pcrPolicyHandle, []int{testPCR}, "SHA256").Unseal(ctx, ""); err != nil {
		t.Errorf("expected successful unseal with matching PCRs, got error: %v", err)
	}
}

func TestUnsealPCRSelectionMismatch(t *testing.T) {
	skipIfTPMUnavailable(t)
	defer resetTPMLockout(t)

	ctx, cancel := testContext(t)
	defer cancel()

	// The object is bound to PCR 7 only.
	_, err := newUnsealer(t, pcrPolicyHandle, []int{0, 1, 7}, "SHA256").Unseal(ctx, "")
	if err == nil {
		t.Fatal("expected unseal failure with mismatched PCR selection")
	}
	if !errors.Is(err, tpm2.ErrPCRMismatch) {
		t.Logf("Expected ErrPCRMismatch, got: %v", err)
	}
}

func TestUnsealHashAlgorithms(t *testing.T) {
	skipIfTPMUnavailable(t)

	tests := []struct {
		name      string
		handle    tpm2.Handle
		algorithm string
	}{
		{name: "SHA256 explicit", handle: validHandle, algorithm: "SHA256"},
		{name: "SHA256 default", handle: validHandle, algorithm: ""},
		{name: "SHA384", handle: sha384Handle, algorithm: "SHA384"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := testContext(t)
			defer cancel()

			if _, err := newUnsealer(t, tt.handle, []int{testPCR}, tt.algorithm).Unseal(ctx, correctPassword); err != nil {
				t.Errorf("expected success, got error: %v", err)
			}
		})
	}
}

func TestUnsealMissingHandle(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := testContext(t)
	defer cancel()

	_, err := newUnsealer(t, tpm2.Handle(0x81009999), []int{testPCR}, "SHA256").Unseal(ctx, correctPassword)
	if !errors.Is(err, tpm2.ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got: %v", err)
	}
}

func TestUnsealDeviceMissing(t *testing.T) {
	u, err := tpm2.NewUnsealer(tpm2.Config{
		DevicePath:   "/dev/nonexistent-tpm",
		SealedHandle: validHandle,
		PCRSelection: []int{testPCR},
	}, nil)
	if err != nil {
		t.Fatalf("failed to create unsealer: %v", err)
	}

	ctx, cancel := testContext(t)
	defer cancel()

	_, err = u.Unseal(ctx, correctPassword)
	if !errors.Is(err, tpm2.ErrTPMUnavailable) {
		t.Errorf("expected ErrTPMUnavailable, got: %v", err)
	}
}

func TestUnsealContextCancellation(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newUnsealer(t, validHandle, []int{testPCR}, "SHA256").Unseal(ctx, correctPassword)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestConcurrentUnseal(t *testing.T) {
	skipIfTPMUnavailable(t)

	u := newUnsealer(t, validHandle, []int{testPCR}, "SHA256")

	const numGoroutines = 5
	errChan := make(chan error, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			ctx, cancel := testContext(t)
			defer cancel()
			_, err := u.Unseal(ctx, correctPassword)
			errChan <- err
		}()
	}
	for i := 0; i < numGoroutines; i++ {
		if err := <-errChan; err != nil {
			t.Errorf("concurrent unseal %d failed: %v", i, err)
		}
	}
}

func TestOpenStoreWithSealedPassphrase(t *testing.T) {
	skipIfTPMUnavailable(t)

	dir := t.TempDir()
	hw := sensor.NewStaticHardware("right-index")
	u := newUnsealer(t, validHandle, []int{testPCR}, "SHA256")

	ctx, cancel := testContext(t)
	defer cancel()

	store, err := u.OpenStore(ctx, correctPassword, dir, hw)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := store.Generate(keyvault.KeyHandle{Alias: "k", Kind: keyvault.KindSymmetric, RequiresUserAuthentication: true}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	store, err = u.OpenStore(ctx, correctPassword, dir, hw)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if ok, err := store.Contains("k"); err != nil || !ok {
		t.Fatalf("expected the key to persist, got %v, %v", ok, err)
	}
}

func BenchmarkUnseal(b *testing.B) {
	if _, err := os.Stat(tpmDevicePath); os.IsNotExist(err) {
		b.Skipf("TPM device not available at %s", tpmDevicePath)
	}

	u, err := tpm2.NewUnsealer(tpm2.Config{
		DevicePath:    tpmDevicePath,
		SealedHandle:  validHandle,
		PCRSelection:  []int{testPCR},
		HashAlgorithm: "SHA256",
	}, nil)
	if err != nil {
		b.Fatalf("failed to create unsealer: %v", err)
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := u.Unseal(ctx, correctPassword); err != nil {
			b.Fatalf("unseal failed: %v", err)
		}
	}
}
