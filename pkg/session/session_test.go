package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeremyhahn/go-bioseal/pkg/cryptographer"
	"github.com/jeremyhahn/go-bioseal/pkg/keyvault"
	"github.com/jeremyhahn/go-bioseal/pkg/sensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedGate sensor.State

func (g fixedGate) Readiness() sensor.State { return sensor.State(g) }

// fakeMatcher records attempts and lets the test emit events by hand. When
// auto is set it emits synchronously from Authenticate.
type fakeMatcher struct {
	mu       sync.Mutex
	calls    int
	startErr error
	auto     sensor.Event
	ctx      context.Context
	obj      sensor.CryptoObject
	emit     func(sensor.Event)
}

func (f *fakeMatcher) Authenticate(ctx context.Context, obj sensor.CryptoObject, emit func(sensor.Event)) error {
	f.mu.Lock()
	f.calls++
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.ctx, f.obj, f.emit = ctx, obj, emit
	auto := f.auto
	f.mu.Unlock()
	if auto != nil {
		emit(auto)
	}
	return nil
}

func (f *fakeMatcher) send(e sensor.Event) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(e)
}

func (f *fakeMatcher) attemptCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

type completerFunc func(h *cryptographer.Handle) (string, error)

func (f completerFunc) Complete(h *cryptographer.Handle) (string, error) { return f(h) }

// recorder counts callback invocations.
type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) cb(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func newSession(t *testing.T, gate Gate, m sensor.Matcher) *Session {
	t.Helper()
	s, err := New(Config{Gate: gate, Matcher: m})
	require.NoError(t, err)
	return s
}

func wait(t *testing.T, p *Pending) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := p.Wait(ctx)
	require.NoError(t, err)
	return o
}

func prepareSeal(t *testing.T) (*cryptographer.Symmetric, *cryptographer.Handle) {
	t.Helper()
	store, err := keyvault.NewMemoryStore(nil)
	require.NoError(t, err)
	vault, err := keyvault.New(store)
	require.NoError(t, err)
	c, err := cryptographer.NewSymmetric(vault)
	require.NoError(t, err)
	h, err := c.Prepare(cryptographer.Seal, "session", "attack at dawn")
	require.NoError(t, err)
	return c, h
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Matcher: &fakeMatcher{}})
	require.Error(t, err)
	_, err = New(Config{Gate: fixedGate(sensor.StateReady)})
	require.Error(t, err)
}

func TestReadinessShortCircuit(t *testing.T) {
	tests := []struct {
		state sensor.State
		want  Outcome
	}{
		{state: sensor.StateNotSupported, want: NotSupported{}},
		{state: sensor.StateUnsecured, want: Unsecured{}},
		{state: sensor.StateNoEnrolledBiometric, want: NoEnrolledBiometric{}},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			m := &fakeMatcher{}
			s := newSession(t, fixedGate(tt.state), m)
			rec := &recorder{}

			p := s.Authenticate(nil, rec.cb)
			require.Equal(t, tt.want, p.Outcome())
			require.Equal(t, []Outcome{tt.want}, rec.all())
			require.Zero(t, m.calls)
			require.Equal(t, PhaseResolved, s.Phase())
		})
	}
}

func TestBareAuthenticationSuccess(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)
	rec := &recorder{}

	p := s.Authenticate(nil, rec.cb)
	require.Nil(t, p.Outcome())
	require.Equal(t, PhaseAwaitingBiometric, s.Phase())
	require.Nil(t, m.obj)

	m.send(sensor.Succeeded{Object: "token"})
	o := wait(t, p)
	require.Equal(t, Success{Data: "Recognition success", Object: "token"}, o)
	require.Equal(t, "Recognition success", o.Message())
	require.Len(t, rec.all(), 1)
	require.Equal(t, PhaseResolved, s.Phase())
	require.Error(t, m.attemptCtx().Err(), "attempt context must be released on resolution")
}

func TestOperationCompletesAfterMatch(t *testing.T) {
	c, h := prepareSeal(t)
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)

	p := s.Authenticate(&Operation{Handle: h, Completer: c}, nil)
	require.Same(t, h, m.obj)

	m.send(sensor.Succeeded{Object: m.obj})
	o := wait(t, p)
	success, ok := o.(Success)
	require.True(t, ok, "got %#v", o)
	require.Contains(t, success.Data, cryptographer.Separator)
	require.Same(t, h, success.Object)

	// The payload opens through a second gated attempt.
	h2, err := c.Prepare(cryptographer.Unseal, "session", success.Data)
	require.NoError(t, err)
	m.auto = sensor.Succeeded{Object: h2}
	o = wait(t, s.Authenticate(&Operation{Handle: h2, Completer: c}, nil))
	require.Equal(t, "attack at dawn", o.Message())
}

func TestTerminalEvents(t *testing.T) {
	tests := []struct {
		name  string
		event sensor.Event
		want  Outcome
	}{
		{name: "failed", event: sensor.Failed{}, want: Failed{}},
		{
			name:  "help",
			event: sensor.HelpReceived{Code: sensor.HelpImagerDirty, Message: "dirty"},
			want:  Help{Code: sensor.HelpImagerDirty, Text: "dirty"},
		},
		{
			name:  "error",
			event: sensor.ErrorReceived{Code: sensor.ErrorLockout, Message: "locked"},
			want:  SensorError{Code: sensor.ErrorLockout, Text: "locked"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, h := prepareSeal(t)
			m := &fakeMatcher{auto: tt.event}
			s := newSession(t, fixedGate(sensor.StateReady), m)
			rec := &recorder{}

			o := wait(t, s.Authenticate(&Operation{Handle: h, Completer: c}, rec.cb))
			require.Equal(t, tt.want, o)
			require.Len(t, rec.all(), 1)

			// The handle was never completed.
			_, err := c.Complete(h)
			require.NoError(t, err)
		})
	}
}

func TestCancelAuthFlagsUserCancellation(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)
	rec := &recorder{}
	p := s.Authenticate(nil, rec.cb)

	acks := 0
	s.CancelAuth(func() { acks++ })
	require.Equal(t, 1, acks)
	require.ErrorIs(t, m.attemptCtx().Err(), context.Canceled)

	// A second cancel is a no-op.
	s.CancelAuth(func() { acks++ })
	require.Equal(t, 1, acks)

	m.send(sensor.ErrorReceived{Code: sensor.ErrorCanceled, Message: "Fingerprint operation canceled."})
	o := wait(t, p)
	require.Equal(t, SensorError{Code: sensor.ErrorCanceled, Text: "Fingerprint operation canceled.", CanceledByUser: true}, o)
	require.Len(t, rec.all(), 1)
}

func TestSensorErrorWithoutCancelIsNotUserCanceled(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)

	// Cancel a first attempt so the flag was set once.
	first := s.Authenticate(nil, nil)
	s.CancelAuth(nil)
	m.send(sensor.ErrorReceived{Code: sensor.ErrorCanceled})
	require.True(t, wait(t, first).(SensorError).CanceledByUser)

	second := s.Authenticate(nil, nil)
	m.send(sensor.ErrorReceived{Code: sensor.ErrorTimeout, Message: "timeout"})
	o := wait(t, second)
	require.Equal(t, SensorError{Code: sensor.ErrorTimeout, Text: "timeout"}, o)
}

func TestCancelAuthWithoutAttemptIsNoop(t *testing.T) {
	s := newSession(t, fixedGate(sensor.StateReady), &fakeMatcher{})
	called := false
	s.CancelAuth(func() { called = true })
	require.False(t, called)
	require.Equal(t, PhaseIdle, s.Phase())

	// After resolution there is nothing to cancel either.
	m := &fakeMatcher{auto: sensor.Failed{}}
	s = newSession(t, fixedGate(sensor.StateReady), m)
	wait(t, s.Authenticate(nil, nil))
	s.CancelAuth(func() { called = true })
	require.False(t, called)
}

func TestConcurrentAttemptIsRejected(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)

	first := s.Authenticate(nil, nil)
	second := s.Authenticate(nil, nil)

	o := second.Outcome()
	require.NotNil(t, o)
	require.ErrorIs(t, o.(Exception).Err, ErrSessionBusy)
	require.Equal(t, 1, m.calls)
	require.NoError(t, m.attemptCtx().Err(), "in-flight attempt must be untouched")

	m.send(sensor.Succeeded{})
	require.Equal(t, StateSuccess, wait(t, first).State())
}

func TestLateEventsAreDropped(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)
	rec := &recorder{}
	p := s.Authenticate(nil, rec.cb)

	m.send(sensor.Failed{})
	m.send(sensor.Succeeded{})
	m.send(sensor.ErrorReceived{Code: sensor.ErrorVendor})

	require.Equal(t, Failed{}, wait(t, p))
	require.Equal(t, []Outcome{Failed{}}, rec.all())
}

func TestMatcherStartFailure(t *testing.T) {
	boom := errors.New("no reader")
	m := &fakeMatcher{startErr: boom}
	s := newSession(t, fixedGate(sensor.StateReady), m)

	o := wait(t, s.Authenticate(nil, nil))
	ex, ok := o.(Exception)
	require.True(t, ok)
	require.ErrorIs(t, ex, ErrMatcherUnavailable)
	require.ErrorIs(t, ex, boom)

	// The session accepts a new attempt.
	m.startErr = nil
	m.auto = sensor.Failed{}
	require.Equal(t, Failed{}, wait(t, s.Authenticate(nil, nil)))
}

func TestCompletionErrors(t *testing.T) {
	_, h := prepareSeal(t)

	tests := []struct {
		name      string
		completer Completer
		check     func(t *testing.T, o Outcome)
	}{
		{
			name: "invalidated key",
			completer: completerFunc(func(*cryptographer.Handle) (string, error) {
				return "", fmt.Errorf("token: %w", keyvault.ErrKeyPermanentlyInvalidated)
			}),
			check: func(t *testing.T, o Outcome) {
				require.True(t, IsKeyInvalidated(o))
			},
		},
		{
			name: "cipher failure",
			completer: completerFunc(func(*cryptographer.Handle) (string, error) {
				return "", cryptographer.ErrCryptoOperationFailed
			}),
			check: func(t *testing.T, o Outcome) {
				require.False(t, IsKeyInvalidated(o))
				require.ErrorIs(t, o.(Exception), cryptographer.ErrCryptoOperationFailed)
			},
		},
		{
			name: "panic",
			completer: completerFunc(func(*cryptographer.Handle) (string, error) {
				panic("device unplugged")
			}),
			check: func(t *testing.T, o Outcome) {
				require.ErrorIs(t, o.(Exception), ErrCompletionPanicked)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMatcher{auto: sensor.Succeeded{Object: h}}
			s := newSession(t, fixedGate(sensor.StateReady), m)
			rec := &recorder{}
			o := wait(t, s.Authenticate(&Operation{Handle: h, Completer: tt.completer}, rec.cb))
			require.Equal(t, StateException, o.State())
			tt.check(t, o)
			require.Len(t, rec.all(), 1)
		})
	}
}

func TestIncompleteOperationIsRejected(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)
	o := s.Authenticate(&Operation{}, nil).Outcome()
	require.Equal(t, StateException, o.State())
	require.Zero(t, m.calls)
}

func TestParentContextBoundsAttempts(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	m := &fakeMatcher{}
	s, err := New(Config{Gate: fixedGate(sensor.StateReady), Matcher: m, Parent: parent})
	require.NoError(t, err)

	p := s.Authenticate(nil, nil)
	cancel()
	require.ErrorIs(t, m.attemptCtx().Err(), context.Canceled)

	m.send(sensor.ErrorReceived{Code: sensor.ErrorCanceled})
	o := wait(t, p)
	require.False(t, o.(SensorError).CanceledByUser)
}

func TestPendingWaitHonorsContext(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)
	p := s.Authenticate(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-p.Done():
		t.Fatal("pending must not resolve when a waiter gives up")
	default:
	}

	m.send(sensor.Failed{})
	<-p.Done()
	require.Equal(t, Failed{}, p.Outcome())
}

func TestResolved(t *testing.T) {
	rec := &recorder{}
	p := Resolved(Ready{}, rec.cb)
	require.Equal(t, Ready{}, p.Outcome())
	require.Equal(t, []Outcome{Ready{}}, rec.all())
	require.False(t, p.resolve(Failed{}))
	require.Equal(t, Ready{}, p.Outcome())
}

func TestOutcomeMessages(t *testing.T) {
	tests := []struct {
		o     Outcome
		state State
		msg   string
	}{
		{o: Ready{}, state: StateReady, msg: "Touch the sensor"},
		{o: NotSupported{}, state: StateNotSupported, msg: "Device does not support finger print"},
		{o: Unsecured{}, state: StateUnsecured, msg: "Device is not secured"},
		{o: NoEnrolledBiometric{}, state: StateNoEnrolledBiometric, msg: "There is no enrolled fingerprints on this device"},
		{o: Failed{}, state: StateFailed, msg: "Can't recognize. User should touch sensor again"},
		{o: Help{Text: "slow down"}, state: StateHelp, msg: "slow down"},
		{o: SensorError{Text: "locked"}, state: StateError, msg: "locked"},
		{o: Exception{Err: errors.New("boom")}, state: StateException, msg: "boom"},
		{o: Exception{}, state: StateException, msg: "unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			require.Equal(t, tt.state, tt.o.State())
			require.Equal(t, tt.msg, tt.o.Message())
		})
	}
	require.Equal(t, "undefined", StateUndefined.String())
	require.Equal(t, "awaiting-biometric", PhaseAwaitingBiometric.String())
}

func TestReadinessOutcome(t *testing.T) {
	require.Equal(t, Ready{}, ReadinessOutcome(sensor.StateReady))
	require.Equal(t, Unsecured{}, ReadinessOutcome(sensor.StateUnsecured))
	require.Equal(t, NoEnrolledBiometric{}, ReadinessOutcome(sensor.StateNoEnrolledBiometric))
	require.Equal(t, NotSupported{}, ReadinessOutcome(sensor.StateNotSupported))
	require.Equal(t, NotSupported{}, ReadinessOutcome(sensor.State(0)))
}

func TestAuthenticateWithRunsPrepareOnlyWhenHeld(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)
	first := s.Authenticate(nil, nil)

	prepared := false
	o := s.AuthenticateWith(func() (*Operation, Outcome) {
		prepared = true
		return nil, nil
	}, nil).Outcome()
	require.ErrorIs(t, o.(Exception).Err, ErrSessionBusy)
	require.False(t, prepared)

	m.send(sensor.Succeeded{})
	require.Equal(t, StateSuccess, wait(t, first).State())

	p := s.AuthenticateWith(func() (*Operation, Outcome) {
		prepared = true
		return nil, nil
	}, nil)
	require.True(t, prepared)
	require.Equal(t, PhaseAwaitingBiometric, s.Phase())
	m.send(sensor.Succeeded{})
	require.Equal(t, StateSuccess, wait(t, p).State())
}

func TestAuthenticateWithSkipsPrepareWhenNotReady(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateNotSupported), m)
	prepared := false
	o := s.AuthenticateWith(func() (*Operation, Outcome) {
		prepared = true
		return nil, nil
	}, nil).Outcome()
	require.Equal(t, StateNotSupported, o.State())
	require.False(t, prepared)
	require.Zero(t, m.calls)
}

func TestAuthenticateWithPrepareOutcome(t *testing.T) {
	m := &fakeMatcher{}
	s := newSession(t, fixedGate(sensor.StateReady), m)

	o := s.AuthenticateWith(func() (*Operation, Outcome) {
		return nil, Success{Data: "sealed"}
	}, nil).Outcome()
	require.Equal(t, "sealed", o.Message())
	require.Zero(t, m.calls)

	o = s.AuthenticateWith(func() (*Operation, Outcome) {
		panic("token removed")
	}, nil).Outcome()
	require.Equal(t, StateException, o.State())
	require.Contains(t, o.Message(), "token removed")

	m.auto = sensor.Succeeded{}
	require.Equal(t, StateSuccess, wait(t, s.Authenticate(nil, nil)).State(), "a panicking prepare must release the session")
}
