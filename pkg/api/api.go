package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-bioseal/pkg/cryptographer"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
	"github.com/jeremyhahn/go-bioseal/pkg/session"
)

// Gate reports sensor readiness and support. *sensor.Gate satisfies it.
type Gate interface {
	Readiness() sensor.State
	IsSupported() bool
}

// Algorithm identifies a registered cryptographer.
type Algorithm string

const (
	AlgorithmAES Algorithm = "aes"
	AlgorithmRSA Algorithm = "rsa"
)

// Cipher registers a cryptographer under an algorithm name.
type Cipher struct {
	Algorithm     Algorithm
	Cryptographer cryptographer.Cryptographer
}

// Config wires the sensor, matcher and cryptographers together.
type Config struct {
	Gate    Gate
	Matcher sensor.Matcher
	Ciphers []Cipher
	// Parent bounds every biometric attempt. Default: context.Background().
	Parent context.Context
}

// Service is the single entry point for gated cipher operations.
type Service struct {
	gate    Gate
	session *session.Session
	ciphers map[Algorithm]cryptographer.Cryptographer
}

var (
	// ErrNoCiphers indicates the service was initialised without any cryptographers.
	ErrNoCiphers = errors.New("api: no cryptographers configured")
	// ErrUnknownAlgorithm indicates a requested algorithm is not registered.
	ErrUnknownAlgorithm = errors.New("api: algorithm not configured")
	// ErrNilGate indicates the service was initialised without a gate.
	ErrNilGate = errors.New("api: gate must not be nil")
)

// NewService builds a Service from the supplied configuration.
func NewService(cfg Config) (*Service, error) {
	if cfg.Gate == nil {
		return nil, ErrNilGate
	}
	if len(cfg.Ciphers) == 0 {
		return nil, ErrNoCiphers
	}

	ciphers := make(map[Algorithm]cryptographer.Cryptographer, len(cfg.Ciphers))
	for i, c := range cfg.Ciphers {
		if c.Cryptographer == nil {
			return nil, fmt.Errorf("api: cipher at index %d has no cryptographer", i)
		}
		if _, ok := ciphers[c.Algorithm]; ok {
			return nil, fmt.Errorf("api: duplicate algorithm %q", c.Algorithm)
		}
		ciphers[c.Algorithm] = c.Cryptographer
	}

	sess, err := session.New(session.Config{Gate: cfg.Gate, Matcher: cfg.Matcher, Parent: cfg.Parent})
	if err != nil {
		return nil, err
	}

	return &Service{gate: cfg.Gate, session: sess, ciphers: ciphers}, nil
}

// Encode seals text under alias. Symmetric seals wait for a biometric match;
// public-key seals complete immediately.
func (s *Service) Encode(text, alias string, alg Algorithm, cb session.Callback) *session.Pending {
	return s.run(cryptographer.Seal, text, alias, alg, cb)
}

// Decode unseals text under alias after a biometric match.
func (s *Service) Decode(text, alias string, alg Algorithm, cb session.Callback) *session.Pending {
	return s.run(cryptographer.Unseal, text, alias, alg, cb)
}

// Authenticate waits for a biometric match without a cipher.
func (s *Service) Authenticate(cb session.Callback) *session.Pending {
	return s.session.Authenticate(nil, cb)
}

// CancelAuth cancels the attempt awaiting a biometric, if any.
func (s *Service) CancelAuth(ack func()) {
	s.session.CancelAuth(ack)
}

// IsReadyToUse reports whether the sensor is ready.
func (s *Service) IsReadyToUse() bool {
	return s.gate.Readiness() == sensor.StateReady
}

// SensorState returns the readiness Outcome.
func (s *Service) SensorState() session.Outcome {
	return session.ReadinessOutcome(s.gate.Readiness())
}

// IsSupported reports whether sensor hardware is present.
func (s *Service) IsSupported() bool {
	return s.gate.IsSupported()
}

// Phase reports the phase of the underlying session.
func (s *Service) Phase() session.Phase {
	return s.session.Phase()
}

func (s *Service) run(purpose cryptographer.Purpose, text, alias string, alg Algorithm, cb session.Callback) *session.Pending {
	c, ok := s.ciphers[alg]
	if !ok {
		return session.Resolved(session.Exception{Err: fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)}, cb)
	}

	// Checked before Prepare so an unusable sensor never creates keys.
	if state := s.gate.Readiness(); state != sensor.StateReady {
		return session.Resolved(session.ReadinessOutcome(state), cb)
	}

	// Public-key seals never touch the sensor, so a busy session does not
	// hold them up.
	if g, ok := c.(cryptographer.GateReporter); ok && !g.Gated(purpose) {
		return session.Resolved(runSynchronous(c, purpose, alias, text), cb)
	}

	// Prepare runs only once the session is held: a rejected attempt must not
	// create a key.
	return s.session.AuthenticateWith(func() (*session.Operation, session.Outcome) {
		h, err := c.Prepare(purpose, alias, text)
		if err != nil {
			return nil, session.Exception{Err: err}
		}
		if h.Synchronous() {
			return nil, complete(c, h)
		}
		return &session.Operation{Handle: h, Completer: c}, nil
	}, cb)
}

func runSynchronous(c cryptographer.Cryptographer, purpose cryptographer.Purpose, alias, text string) session.Outcome {
	h, err := c.Prepare(purpose, alias, text)
	if err != nil {
		return session.Exception{Err: err}
	}
	if !h.Synchronous() {
		return session.Exception{Err: fmt.Errorf("api: %s of %q needs a biometric match", purpose, alias)}
	}
	return complete(c, h)
}

func complete(c cryptographer.Cryptographer, h *cryptographer.Handle) session.Outcome {
	data, err := c.Complete(h)
	if err != nil {
		return session.Exception{Err: err}
	}
	return session.Success{Data: data, Object: h}
}
