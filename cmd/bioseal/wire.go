package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jeremyhahn/go-bioseal/pkg/api"
	"github.com/jeremyhahn/go-bioseal/pkg/cryptographer"
	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
	"github.com/jeremyhahn/go-bioseal/pkg/pam"
	"github.com/jeremyhahn/go-bioseal/pkg/pkcs11"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
	"github.com/jeremyhahn/go-bioseal/pkg/tpm2"
)

const (
	storeMemory = "memory"
	storeFile   = "file"
	storePKCS11 = "pkcs11"

	matcherTerminal = "terminal"
	matcherPAM      = "pam"
	matcherOTP      = "otp"
)

// appConfig is the resolved command line and file configuration.
type appConfig struct {
	Store    string
	StoreDir string
	Password string
	RSABits  int

	TPM    tpm2.Config
	PKCS11 pkcs11.Config

	Matcher    string
	PAMService string
	PAMUser    string
	OTPSecret  string
	OTPDigits  uint

	Hardware bool
	Secured  bool
	Enrolled []string

	// In and Out carry the interactive prompts. Default: os.Stdin, os.Stdout.
	In  io.Reader
	Out io.Writer

	// Overrides for tests; nil selects the system providers.
	TPMProvider     tpm2.TPMProvider
	SessionProvider pkcs11.SessionProvider
	PAMStarter      pam.TransactionStarter
}

func loadConfig() appConfig {
	return appConfig{
		Store:    viper.GetString("store"),
		StoreDir: viper.GetString("storeDir"),
		Password: viper.GetString("password"),
		RSABits:  viper.GetInt("rsaBits"),
		TPM: tpm2.Config{
			DevicePath:    viper.GetString("tpmDevice"),
			SealedHandle:  tpm2.Handle(viper.GetUint32("tpmHandle")),
			PCRSelection:  viper.GetIntSlice("tpmPCRs"),
			HashAlgorithm: viper.GetString("tpmHash"),
		},
		PKCS11: pkcs11.Config{
			ModulePath: viper.GetString("pkcs11Module"),
			TokenLabel: viper.GetString("pkcs11Token"),
			Slot:       viper.GetString("pkcs11Slot"),
			PIN:        viper.GetString("pkcs11PIN"),
			RSABits:    viper.GetInt("rsaBits"),
		},
		Matcher:    viper.GetString("matcher"),
		PAMService: viper.GetString("pamService"),
		PAMUser:    viper.GetString("pamUser"),
		OTPSecret:  viper.GetString("otpSecret"),
		OTPDigits:  viper.GetUint("otpDigits"),
		Hardware:   viper.GetBool("hardware"),
		Secured:    viper.GetBool("secured"),
		Enrolled:   viper.GetStringSlice("enrolled"),
	}
}

// app holds the wired service and the resources to release on exit.
type app struct {
	svc     *api.Service
	vault   *keyvault.Vault
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg appConfig) (*app, error) {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	in := bufio.NewReader(cfg.In)

	hw := sensor.NewStaticHardware(cfg.Enrolled...)
	hw.SetPresent(cfg.Hardware)
	hw.SetSecured(cfg.Secured)
	gate, err := sensor.NewGate(sensor.Config{Hardware: hw})
	if err != nil {
		return nil, err
	}

	a := &app{}
	store, err := openStore(ctx, cfg, in, hw, a)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.vault, err = keyvault.New(store)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	matcher, err := newMatcher(cfg, in)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	sym, err := cryptographer.NewSymmetric(a.vault)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	asym, err := cryptographer.NewAsymmetric(a.vault)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	a.svc, err = api.NewService(api.Config{
		Gate:    gate,
		Matcher: matcher,
		Ciphers: []api.Cipher{
			{Algorithm: api.AlgorithmAES, Cryptographer: sym},
			{Algorithm: api.AlgorithmRSA, Cryptographer: asym},
		},
		// Signals reach the attempt through CancelAuth so it is flagged as
		// canceled by the user.
		Parent: context.WithoutCancel(ctx),
	})
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func openStore(ctx context.Context, cfg appConfig, in *bufio.Reader, enrollment keyvault.EnrollmentSource, a *app) (keyvault.Store, error) {
	switch cfg.Store {
	case storeMemory:
		jww.WARN.Printf("Using the in-memory key store; keys are lost on exit")
		return keyvault.NewMemoryStore(enrollment)

	case storeFile, "":
		if cfg.TPM.SealedHandle != 0 {
			u, err := tpm2.NewUnsealer(cfg.TPM, cfg.TPMProvider)
			if err != nil {
				return nil, err
			}
			return u.OpenStore(ctx, cfg.Password, cfg.StoreDir, enrollment)
		}
		password := cfg.Password
		if password == "" {
			var err error
			password, err = readPassword(cfg.In, in, cfg.Out, "Key store passphrase: ")
			if err != nil {
				return nil, err
			}
		}
		store, err := keyvault.OpenKVStore(cfg.StoreDir, password, enrollment)
		if err != nil {
			return nil, err
		}
		jww.DEBUG.Printf("Opened key store %s", cfg.StoreDir)
		return store, nil

	case storePKCS11:
		store, err := pkcs11.Open(ctx, cfg.PKCS11, cfg.SessionProvider, enrollment)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown key store %q", cfg.Store)
	}
}

func newMatcher(cfg appConfig, in *bufio.Reader) (sensor.Matcher, error) {
	switch cfg.Matcher {
	case matcherTerminal, "":
		// Raw single-key reads need the terminal itself.
		if f, ok := cfg.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return sensor.NewTerminalMatcher(f, cfg.Out)
		}
		return sensor.NewTerminalMatcher(in, cfg.Out)

	case matcherPAM:
		auth, err := pam.NewAuthenticator(cfg.PAMService, cfg.PAMUser, cfg.PAMStarter)
		if err != nil {
			return nil, err
		}
		return sensor.NewPAMMatcher(auth)

	case matcherOTP:
		reader, err := sensor.NewLineCodeReader(in, cfg.Out, "Authenticator code: ")
		if err != nil {
			return nil, err
		}
		return sensor.NewOTPMatcher(sensor.OTPConfig{Secret: cfg.OTPSecret, Digits: cfg.OTPDigits}, reader)

	default:
		return nil, fmt.Errorf("unknown matcher %q", cfg.Matcher)
	}
}

// readPassword reads without echo from a terminal, or a line otherwise.
func readPassword(raw io.Reader, in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("key store passphrase must not be empty")
	}
	return password, nil
}
