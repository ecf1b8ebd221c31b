package session

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
)

// State discriminates Outcome variants.
type State int

const (
	// StateUndefined is the zero State. No Outcome reports it.
	StateUndefined State = iota
	StateNotSupported
	StateUnsecured
	StateNoEnrolledBiometric
	StateReady
	StateSuccess
	StateHelp
	StateFailed
	StateError
	StateException
)

var stateNames = map[State]string{
	StateUndefined:           "undefined",
	StateNotSupported:        "not-supported",
	StateUnsecured:           "unsecured",
	StateNoEnrolledBiometric: "no-enrolled-biometric",
	StateReady:               "ready",
	StateSuccess:             "success",
	StateHelp:                "help",
	StateFailed:              "failed",
	StateError:               "error",
	StateException:           "exception",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the single result delivered for every readiness query,
// authentication attempt and gated cipher operation. The set of variants is
// closed.
type Outcome interface {
	State() State
	// Message is a human-readable description of the outcome.
	Message() string
	outcome()
}

// Ready reports that the sensor can be used.
type Ready struct{}

// NotSupported reports missing hardware or an unsupported platform.
type NotSupported struct{}

// Unsecured reports a device without a secure lock screen.
type Unsecured struct{}

// NoEnrolledBiometric reports that no fingerprint is enrolled.
type NoEnrolledBiometric struct{}

// Success reports a completed attempt. Data is the sealed payload or the
// plaintext for cipher operations, or "Recognition success" for a bare
// authentication. Object is the crypto object handed back by the matcher.
type Success struct {
	Data   string
	Object sensor.CryptoObject
}

// Help reports a recoverable acquisition problem. The attempt has ended; the
// caller decides whether to start another.
type Help struct {
	Code int
	Text string
}

// Failed reports a biometric that did not match.
type Failed struct{}

// SensorError reports an unrecoverable sensor error. CanceledByUser is set
// when the attempt ended because CancelAuth was called.
type SensorError struct {
	Code           int
	Text           string
	CanceledByUser bool
}

// Exception reports a failure outside the sensor: key store, cipher,
// malformed input or misuse of the session.
type Exception struct {
	Err error
}

func (Ready) State() State               { return StateReady }
func (NotSupported) State() State        { return StateNotSupported }
func (Unsecured) State() State           { return StateUnsecured }
func (NoEnrolledBiometric) State() State { return StateNoEnrolledBiometric }
func (Success) State() State             { return StateSuccess }
func (Help) State() State                { return StateHelp }
func (Failed) State() State              { return StateFailed }
func (SensorError) State() State         { return StateError }
func (Exception) State() State           { return StateException }

func (Ready) Message() string        { return "Touch the sensor" }
func (NotSupported) Message() string { return "Device does not support finger print" }
func (Unsecured) Message() string    { return "Device is not secured" }
func (NoEnrolledBiometric) Message() string {
	return "There is no enrolled fingerprints on this device"
}
func (o Success) Message() string     { return o.Data }
func (o Help) Message() string        { return o.Text }
func (Failed) Message() string        { return "Can't recognize. User should touch sensor again" }
func (o SensorError) Message() string { return o.Text }
func (o Exception) Message() string {
	if o.Err == nil {
		return "unknown error"
	}
	return o.Err.Error()
}

// Error makes an Exception usable as an error.
func (o Exception) Error() string { return o.Message() }

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (o Exception) Unwrap() error { return o.Err }

func (Ready) outcome()               {}
func (NotSupported) outcome()        {}
func (Unsecured) outcome()           {}
func (NoEnrolledBiometric) outcome() {}
func (Success) outcome()             {}
func (Help) outcome()                {}
func (Failed) outcome()              {}
func (SensorError) outcome()         {}
func (Exception) outcome()           {}

// ReadinessOutcome maps a sensor readiness state to its Outcome.
func ReadinessOutcome(s sensor.State) Outcome {
	switch s {
	case sensor.StateReady:
		return Ready{}
	case sensor.StateUnsecured:
		return Unsecured{}
	case sensor.StateNoEnrolledBiometric:
		return NoEnrolledBiometric{}
	default:
		return NotSupported{}
	}
}

// IsKeyInvalidated reports whether o is an Exception caused by a key that was
// permanently invalidated. The key has already been deleted; the caller should
// discard data sealed under it and seal again.
func IsKeyInvalidated(o Outcome) bool {
	e, ok := o.(Exception)
	return ok && errors.Is(e.Err, keyvault.ErrKeyPermanentlyInvalidated)
}
