//go:build integration && cgo && pkcs11

package pkcs11_integration_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-bioseal/pkg/cryptographer"
	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
	"github.com/jeremyhahn/go-bioseal/pkg/pkcs11"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
)

func setupSoftHSMToken(t *testing.T) pkcs11.Config {
	modulePath := "/usr/lib/softhsm/libsofthsm2.so"
	if _, err := os.Stat(modulePath); err != nil {
		t.Skipf("SoftHSM module not present at %s", modulePath)
	}

	tempDir := t.TempDir()
	confPath := filepath.Join(tempDir, "softhsm2.conf")
	if err := os.WriteFile(confPath, []byte(fmt.Sprintf("directories.tokendir = %s\nobjectstore.backend = file\n", filepath.Join(tempDir, "tokens"))), 0600); err != nil {
		t.Fatalf("write softhsm config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tempDir, "tokens"), 0700); err != nil {
		t.Fatalf("mkdir tokens: %v", err)
	}
	t.Setenv("SOFTHSM2_CONF", confPath)

	label := fmt.Sprintf("bioseal-%d", rand.Int())
	cmd := exec.Command("softhsm2-util", "--init-token", "--free", "--label", label, "--so-pin", "123456", "--pin", "987654")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("init token failed: %v (%s)", err, string(out))
	}

	return pkcs11.Config{ModulePath: modulePath, TokenLabel: label, PIN: "987654"}
}

func openVault(t *testing.T, cfg pkcs11.Config, hw *sensor.StaticHardware) *keyvault.Vault {
	t.Helper()
	store, err := pkcs11.Open(context.Background(), cfg, nil, hw)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	vault, err := keyvault.New(store)
	if err != nil {
		t.Fatalf("keyvault.New: %v", err)
	}
	return vault
}

func roundTrip(t *testing.T, c interface {
	Prepare(cryptographer.Purpose, string, string) (*cryptographer.Handle, error)
	Complete(*cryptographer.Handle) (string, error)
}, alias, text string) (string, error) {
	t.Helper()
	h, err := c.Prepare(cryptographer.Seal, alias, text)
	if err != nil {
		t.Fatalf("prepare seal: %v", err)
	}
	sealed, err := c.Complete(h)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	h, err = c.Prepare(cryptographer.Unseal, alias, sealed)
	if err != nil {
		return "", err
	}
	return c.Complete(h)
}

func TestSoftHSMSymmetricRoundTrip(t *testing.T) {
	vault := openVault(t, setupSoftHSMToken(t), sensor.NewStaticHardware("right-index"))
	sym, err := cryptographer.NewSymmetric(vault)
	if err != nil {
		t.Fatal(err)
	}

	plain, err := roundTrip(t, sym, "aes", "sealed on a token")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if plain != "sealed on a token" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSoftHSMAsymmetricRoundTrip(t *testing.T) {
	cfg := setupSoftHSMToken(t)
	cfg.RSABits = 2048
	vault := openVault(t, cfg, sensor.NewStaticHardware("right-index"))
	asym, err := cryptographer.NewAsymmetric(vault)
	if err != nil {
		t.Fatal(err)
	}

	plain, err := roundTrip(t, asym, "rsa", "sealed with a token key pair")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if plain != "sealed with a token key pair" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSoftHSMEnrollmentChangeInvalidatesKey(t *testing.T) {
	hw := sensor.NewStaticHardware("right-index")
	vault := openVault(t, setupSoftHSMToken(t), hw)
	sym, err := cryptographer.NewSymmetric(vault)
	if err != nil {
		t.Fatal(err)
	}

	h, err := sym.Prepare(cryptographer.Seal, "aes", "before")
	if err != nil {
		t.Fatalf("prepare seal: %v", err)
	}
	sealed, err := sym.Complete(h)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	hw.Enroll("right-index", "left-thumb")
	if _, err := sym.Prepare(cryptographer.Unseal, "aes", sealed); !errors.Is(err, keyvault.ErrKeyPermanentlyInvalidated) {
		t.Fatalf("expected invalidated key, got %v", err)
	}
	if ok, err := vault.ContainsKey("aes"); err != nil || ok {
		t.Fatalf("expected the invalidated key to be deleted, got %v, %v", ok, err)
	}
}

func TestSoftHSMWrongPIN(t *testing.T) {
	cfg := setupSoftHSMToken(t)
	cfg.PIN = "000000"

	_, err := pkcs11.Open(context.Background(), cfg, nil, sensor.NewStaticHardware("x"))
	if !errors.Is(err, pkcs11.ErrInvalidPIN) {
		t.Fatalf("expected ErrInvalidPIN, got %v", err)
	}
}
