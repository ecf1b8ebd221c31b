package sensor

import (
	"context"
	"errors"
	"fmt"
)

// State is the readiness tier of the biometric sensor.
type State int

const (
	// StateNotSupported indicates missing hardware or an unsupported platform.
	StateNotSupported State = iota + 1
	// StateUnsecured indicates the device has no secure lock screen.
	StateUnsecured
	// StateNoEnrolledBiometric indicates no fingerprint template is enrolled.
	StateNoEnrolledBiometric
	// StateReady indicates the sensor can be used.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotSupported:
		return "not-supported"
	case StateUnsecured:
		return "unsecured"
	case StateNoEnrolledBiometric:
		return "no-enrolled-biometric"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Hardware reports the static properties of the biometric sensor and the
// device hosting it.
type Hardware interface {
	IsHardwarePresent() bool
	IsDeviceSecured() bool
	HasEnrolledBiometric() bool
}

// PlatformVersioner is implemented by Hardware that can report the version of
// the platform it runs on. Gate consults it when a minimum version is set.
type PlatformVersioner interface {
	PlatformVersion() int
}

// CryptoObject is the opaque cipher handle threaded through a match. The
// matcher hands it back unchanged in Succeeded.
type CryptoObject any

// Matcher runs asynchronous biometric matches.
type Matcher interface {
	// Authenticate starts a match and returns without waiting for it. The
	// matcher must call emit exactly once with a terminal Event. When ctx is
	// canceled the matcher should abort and emit ErrorReceived with
	// ErrorCanceled. An error is returned only when the match could not be
	// started, in which case emit is never called.
	Authenticate(ctx context.Context, obj CryptoObject, emit func(Event)) error
}

var (
	// ErrNilHardware indicates a Gate was configured without Hardware.
	ErrNilHardware = errors.New("sensor: hardware must not be nil")
	// ErrMatchRejected indicates the presented biometric did not match.
	ErrMatchRejected = errors.New("sensor: biometric not recognized")
	// ErrMatchLockout indicates the matcher refuses further attempts.
	ErrMatchLockout = errors.New("sensor: too many failed attempts")
)

// Config configures a Gate.
type Config struct {
	// Hardware answers the readiness questions.
	Hardware Hardware
	// MinimumPlatformVersion, when non-zero, marks hardware whose platform
	// version is lower (or unknown) as not supported.
	MinimumPlatformVersion int
}

func (c Config) validate() error {
	if c.Hardware == nil {
		return ErrNilHardware
	}
	if c.MinimumPlatformVersion < 0 {
		return fmt.Errorf("sensor: minimum platform version %d is invalid", c.MinimumPlatformVersion)
	}
	return nil
}

// Gate evaluates sensor readiness. It has no side effects and is safe for
// concurrent use as long as the underlying Hardware is.
type Gate struct {
	hw          Hardware
	minPlatform int
}

// NewGate constructs a Gate from cfg.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Gate{hw: cfg.Hardware, minPlatform: cfg.MinimumPlatformVersion}, nil
}

// IsSupported reports whether a sensor is present on a supported platform.
func (g *Gate) IsSupported() bool {
	if g == nil || g.hw == nil {
		return false
	}
	if g.minPlatform > 0 {
		v, ok := g.hw.(PlatformVersioner)
		if !ok || v.PlatformVersion() < g.minPlatform {
			return false
		}
	}
	return g.hw.IsHardwarePresent()
}

// Readiness evaluates the readiness checks in order and returns the first
// failing state, or StateReady.
func (g *Gate) Readiness() State {
	if !g.IsSupported() {
		return StateNotSupported
	}
	if !g.hw.IsDeviceSecured() {
		return StateUnsecured
	}
	if !g.hw.HasEnrolledBiometric() {
		return StateNoEnrolledBiometric
	}
	return StateReady
}
