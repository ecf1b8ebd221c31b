package sensor

import (
	"context"
	"errors"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/jeremyhahn/go-bioseal/pkg/pam"
)

// Verifier runs one blocking biometric verification. *pam.Authenticator
// satisfies it.
type Verifier interface {
	Verify(ctx context.Context, notify pam.Notifier) error
}

var _ Verifier = (*pam.Authenticator)(nil)

// PAMMatcher adapts a PAM stack into a Matcher. Module messages are logged but
// never turned into HelpReceived, since pam_fprintd sends prompts such as
// "Place your finger on the reader" before every read and each event ends the
// attempt.
type PAMMatcher struct {
	verifier Verifier
}

// NewPAMMatcher wraps verifier.
func NewPAMMatcher(verifier Verifier) (*PAMMatcher, error) {
	if verifier == nil {
		return nil, errors.New("sensor: pam verifier must not be nil")
	}
	return &PAMMatcher{verifier: verifier}, nil
}

// Authenticate starts the PAM transaction on its own goroutine.
func (m *PAMMatcher) Authenticate(ctx context.Context, obj CryptoObject, emit func(Event)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if emit == nil {
		return errors.New("sensor: emit must not be nil")
	}

	var once sync.Once
	deliver := func(e Event) { once.Do(func() { emit(e) }) }
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := m.verifier.Verify(ctx, logPAMMessage)
		if ctx.Err() != nil {
			deliver(canceledEvent())
			return
		}
		deliver(pamEvent(obj, err))
	}()

	go func() {
		select {
		case <-ctx.Done():
			// pam_authenticate cannot be interrupted; report the cancellation
			// now and let the transaction finish in the background.
			deliver(canceledEvent())
		case <-done:
		}
	}()

	return nil
}

func pamEvent(obj CryptoObject, err error) Event {
	switch {
	case err == nil:
		return Succeeded{Object: obj}
	case errors.Is(err, pam.ErrAuth), errors.Is(err, ErrMatchRejected):
		return Failed{}
	case errors.Is(err, pam.ErrMaxTries), errors.Is(err, ErrMatchLockout):
		return ErrorReceived{Code: ErrorLockout, Message: "Too many attempts. Try again later."}
	case errors.Is(err, pam.ErrPrompt):
		return ErrorReceived{Code: ErrorUnableToProcess, Message: err.Error()}
	default:
		return ErrorReceived{Code: ErrorHardwareUnavailable, Message: err.Error()}
	}
}

func logPAMMessage(style pam.MessageStyle, msg string) {
	if style == pam.MessageError {
		jww.WARN.Printf("pam: %s", msg)
		return
	}
	jww.INFO.Printf("pam: %s", msg)
}
