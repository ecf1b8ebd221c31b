package sensor

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// CodeReader supplies a one-time code typed by the user. ReadCode should
// return promptly once ctx is done.
type CodeReader interface {
	ReadCode(ctx context.Context) (string, error)
}

// CodeReaderFunc adapts a function to CodeReader.
type CodeReaderFunc func(ctx context.Context) (string, error)

// ReadCode calls f.
func (f CodeReaderFunc) ReadCode(ctx context.Context) (string, error) {
	return f(ctx)
}

// OTPConfig configures an OTPMatcher.
type OTPConfig struct {
	// Secret is the base32-encoded TOTP secret (required).
	Secret string
	// Digits is 6 (default), 7 or 8.
	Digits uint
	// Period is the time step in seconds. Default: 30.
	Period uint
	// Skew is the number of periods tolerated either side of now. Default: 1.
	Skew uint
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c OTPConfig) validate() error {
	if strings.TrimSpace(c.Secret) == "" {
		return errors.New("sensor: otp secret must not be empty")
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(strings.ToUpper(c.Secret), "=")); err != nil {
		return fmt.Errorf("sensor: otp secret must be valid base32: %v", err)
	}
	if c.Digits != 0 && c.Digits != 6 && c.Digits != 7 && c.Digits != 8 {
		return errors.New("sensor: otp digits must be 6, 7, or 8")
	}
	return nil
}

// OTPMatcher treats a valid TOTP code as a successful match. It stands in for
// a fingerprint reader on hosts that have none.
type OTPMatcher struct {
	cfg    OTPConfig
	reader CodeReader
}

// NewOTPMatcher validates cfg and applies defaults.
func NewOTPMatcher(cfg OTPConfig, reader CodeReader) (*OTPMatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, errors.New("sensor: otp code reader must not be nil")
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OTPMatcher{cfg: cfg, reader: reader}, nil
}

// Authenticate reads one code and validates it.
func (m *OTPMatcher) Authenticate(ctx context.Context, obj CryptoObject, emit func(Event)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if emit == nil {
		return errors.New("sensor: emit must not be nil")
	}

	var once sync.Once
	deliver := func(e Event) { once.Do(func() { emit(e) }) }

	go func() {
		code, err := m.reader.ReadCode(ctx)
		if ctx.Err() != nil {
			deliver(canceledEvent())
			return
		}
		if err != nil {
			deliver(ErrorReceived{Code: ErrorHardwareUnavailable, Message: err.Error()})
			return
		}
		deliver(m.check(obj, code))
	}()

	go func() {
		<-ctx.Done()
		deliver(canceledEvent())
	}()

	return nil
}

func (m *OTPMatcher) check(obj CryptoObject, code string) Event {
	code = strings.TrimSpace(code)
	if code == "" {
		return HelpReceived{Code: HelpInsufficient, Message: "No code entered."}
	}

	valid, err := totp.ValidateCustom(code, m.cfg.Secret, m.cfg.Now().UTC(), totp.ValidateOpts{
		Period:    m.cfg.Period,
		Skew:      m.cfg.Skew,
		Digits:    otp.Digits(m.cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return HelpReceived{Code: HelpPartial, Message: "Code has the wrong number of digits."}
		}
		return ErrorReceived{Code: ErrorUnableToProcess, Message: err.Error()}
	}
	if !valid {
		return Failed{}
	}
	return Succeeded{Object: obj}
}
