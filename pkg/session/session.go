package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/jeremyhahn/go-bioseal/pkg/cryptographer"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
)

var (
	// ErrSessionBusy rejects an attempt while another is in flight.
	ErrSessionBusy = errors.New("session: authentication already in progress")
	// ErrMatcherUnavailable indicates the matcher could not start a match.
	ErrMatcherUnavailable = errors.New("session: matcher unavailable")
	// ErrCompletionPanicked indicates the cipher panicked while completing.
	ErrCompletionPanicked = errors.New("session: completion panicked")
)

// Gate reports sensor readiness. *sensor.Gate satisfies it.
type Gate interface {
	Readiness() sensor.State
}

// Completer finishes a prepared cipher operation after a successful match.
// Every cryptographer.Cryptographer satisfies it.
type Completer interface {
	Complete(h *cryptographer.Handle) (string, error)
}

// Operation is a prepared cipher waiting for the user's biometric.
type Operation struct {
	Handle    *cryptographer.Handle
	Completer Completer
}

// Phase is the externally observable step of a Session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseGating
	PhaseAwaitingBiometric
	PhaseCompleting
	PhaseForwarding
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseGating:
		return "gating"
	case PhaseAwaitingBiometric:
		return "awaiting-biometric"
	case PhaseCompleting:
		return "completing"
	case PhaseForwarding:
		return "forwarding"
	case PhaseResolved:
		return "resolved"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config configures a Session.
type Config struct {
	Gate    Gate
	Matcher sensor.Matcher
	// Parent bounds every attempt. Default: context.Background().
	Parent context.Context
}

func (c Config) validate() error {
	if c.Gate == nil {
		return errors.New("session: gate must not be nil")
	}
	if c.Matcher == nil {
		return errors.New("session: matcher must not be nil")
	}
	return nil
}

// attempt is one call to Authenticate.
type attempt struct {
	ctx            context.Context
	cancel         context.CancelFunc
	canceledByUser bool
	claimed        bool
	op             *Operation
	pending        *Pending
}

// Session runs biometric attempts one at a time. Matcher events may arrive on
// any goroutine.
type Session struct {
	gate    Gate
	matcher sensor.Matcher
	parent  context.Context

	mu      sync.Mutex
	phase   Phase
	current *attempt
}

// New constructs an idle Session.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	parent := cfg.Parent
	if parent == nil {
		parent = context.Background()
	}
	return &Session{gate: cfg.Gate, matcher: cfg.Matcher, parent: parent}, nil
}

// Phase reports the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Authenticate gates on sensor readiness and then waits for a biometric
// match. When op is non-nil its handle is passed to the matcher and
// completed on success; otherwise success carries "Recognition success".
// cb, when non-nil, receives the Outcome exactly once.
func (s *Session) Authenticate(op *Operation, cb Callback) *Pending {
	if op != nil && (op.Handle == nil || op.Completer == nil) {
		pending := newPending(cb)
		pending.resolve(Exception{Err: errors.New("session: operation requires a handle and a completer")})
		return pending
	}
	return s.AuthenticateWith(func() (*Operation, Outcome) { return op, nil }, cb)
}

// PrepareFunc builds the operation for an attempt. A non-nil Outcome ends
// the attempt with it and the matcher is not invoked.
type PrepareFunc func() (*Operation, Outcome)

// AuthenticateWith runs prepare only once the session is held and the sensor
// is ready. An attempt rejected as busy or not ready never calls prepare.
func (s *Session) AuthenticateWith(prepare PrepareFunc, cb Callback) *Pending {
	pending := newPending(cb)
	if prepare == nil {
		pending.resolve(Exception{Err: errors.New("session: prepare must not be nil")})
		return pending
	}

	a := &attempt{pending: pending}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		jww.WARN.Printf("session: rejecting attempt, another is in flight")
		pending.resolve(Exception{Err: ErrSessionBusy})
		return pending
	}
	s.current = a
	s.setPhase(PhaseGating)
	s.mu.Unlock()

	if state := s.gate.Readiness(); state != sensor.StateReady {
		jww.DEBUG.Printf("session: sensor not ready (%s)", state)
		s.finish(a, ReadinessOutcome(state))
		return pending
	}

	op, o := runPrepare(prepare)
	if o != nil {
		s.finish(a, o)
		return pending
	}
	if op != nil && (op.Handle == nil || op.Completer == nil) {
		s.finish(a, Exception{Err: errors.New("session: operation requires a handle and a completer")})
		return pending
	}

	ctx, cancel := context.WithCancel(s.parent)
	s.mu.Lock()
	a.op = op
	a.ctx, a.cancel = ctx, cancel
	a.canceledByUser = false
	s.setPhase(PhaseAwaitingBiometric)
	s.mu.Unlock()

	var obj sensor.CryptoObject
	if op != nil {
		obj = op.Handle
	}
	if err := s.matcher.Authenticate(ctx, obj, func(e sensor.Event) { s.onEvent(a, e) }); err != nil {
		s.finish(a, Exception{Err: fmt.Errorf("%w: %w", ErrMatcherUnavailable, err)})
	}
	return pending
}

// runPrepare keeps a panicking prepare from holding the session forever.
func runPrepare(prepare PrepareFunc) (op *Operation, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("session: prepare panicked: %v", r)
			op, o = nil, Exception{Err: fmt.Errorf("session: prepare panicked: %v", r)}
		}
	}()
	return prepare()
}

// CancelAuth cancels the attempt awaiting a biometric. It does nothing when
// no attempt is waiting or the attempt was already canceled; otherwise the
// attempt is flagged as canceled by the user and ack, when non-nil, is called.
func (s *Session) CancelAuth(ack func()) {
	s.mu.Lock()
	a := s.current
	if a == nil || a.ctx == nil || a.ctx.Err() != nil || a.claimed {
		s.mu.Unlock()
		return
	}
	a.canceledByUser = true
	a.cancel()
	s.mu.Unlock()

	jww.DEBUG.Printf("session: authentication canceled by user")
	if ack != nil {
		ack()
	}
}

func (s *Session) onEvent(a *attempt, e sensor.Event) {
	s.mu.Lock()
	if s.current != a || a.claimed {
		s.mu.Unlock()
		jww.WARN.Printf("session: dropping late event %T", e)
		return
	}
	a.claimed = true
	canceled := a.canceledByUser

	var o Outcome
	switch ev := e.(type) {
	case sensor.Succeeded:
		if a.op != nil {
			s.setPhase(PhaseCompleting)
			s.mu.Unlock()
			s.finish(a, s.complete(a.op, ev))
			return
		}
		s.setPhase(PhaseForwarding)
		o = Success{Data: "Recognition success", Object: ev.Object}
	case sensor.Failed:
		o = Failed{}
	case sensor.HelpReceived:
		o = Help{Code: ev.Code, Text: ev.Message}
	case sensor.ErrorReceived:
		o = SensorError{Code: ev.Code, Text: ev.Message, CanceledByUser: canceled}
	default:
		o = Exception{Err: fmt.Errorf("session: unknown sensor event %T", e)}
	}
	s.mu.Unlock()
	s.finish(a, o)
}

// complete runs the cipher bound to op. The matcher may hand back a different
// handle than it was given; the one it returns wins.
func (s *Session) complete(op *Operation, ev sensor.Succeeded) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("session: completion panicked: %v", r)
			o = Exception{Err: fmt.Errorf("%w: %v", ErrCompletionPanicked, r)}
		}
	}()

	h := op.Handle
	if returned, ok := ev.Object.(*cryptographer.Handle); ok && returned != nil {
		h = returned
	}
	data, err := op.Completer.Complete(h)
	if err != nil {
		return Exception{Err: err}
	}
	return Success{Data: data, Object: ev.Object}
}

func (s *Session) finish(a *attempt, o Outcome) {
	s.mu.Lock()
	if s.current == a {
		s.current = nil
	}
	s.setPhase(PhaseResolved)
	cancel := a.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	jww.DEBUG.Printf("session: resolved with %s", o.State())
	a.pending.resolve(o)
}

// setPhase must be called with s.mu held.
func (s *Session) setPhase(p Phase) {
	if s.phase != p {
		jww.TRACE.Printf("session: %s -> %s", s.phase, p)
	}
	s.phase = p
}
