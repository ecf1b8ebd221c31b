package pam

import (
	"context"
	"errors"
)

// MessageStyle classifies the informational messages a PAM module sends while
// a transaction is running. Biometric modules such as pam_fprintd use them to
// ask the user to touch the reader or to report a bad read.
type MessageStyle int

const (
	// MessageInfo is a PAM_TEXT_INFO message.
	MessageInfo MessageStyle = iota + 1
	// MessageError is a PAM_ERROR_MSG message.
	MessageError
)

// Notifier receives module messages. It must not block.
type Notifier func(style MessageStyle, msg string)

// Transaction is a single PAM authentication exchange.
type Transaction interface {
	// Authenticate runs pam_authenticate followed by account management and
	// blocks until the module stack returns.
	Authenticate(ctx context.Context) error
	Close() error
}

// TransactionStarter creates PAM transactions for a service and user.
type TransactionStarter interface {
	Start(ctx context.Context, service, username string, notify Notifier) (Transaction, error)
}

var (
	// ErrAuth indicates the module stack rejected the user.
	ErrAuth = errors.New("pam: authentication failure")
	// ErrMaxTries indicates the module stack gave up after repeated failures.
	ErrMaxTries = errors.New("pam: maximum number of tries exceeded")
	// ErrPrompt indicates a module asked for interactive input, which
	// biometric-only stacks never do.
	ErrPrompt = errors.New("pam: unexpected prompt")

	errSystemStarterUnavailable = errors.New("pam: system transaction starter unavailable; requires cgo build with PAM support")
	systemTransactionStarter    TransactionStarter
)

// SetSystemTransactionStarter installs the starter used when callers pass nil
// to NewAuthenticator.
func SetSystemTransactionStarter(s TransactionStarter) {
	systemTransactionStarter = s
}

// Authenticator runs biometric PAM transactions for one service and user.
type Authenticator struct {
	service  string
	username string
	starter  TransactionStarter
}

// NewAuthenticator constructs an Authenticator for the PAM service (for
// example a stack containing pam_fprintd) and the local user whose enrolled
// fingerprints should be matched. A nil starter selects the host PAM stack.
func NewAuthenticator(service, username string, starter TransactionStarter) (*Authenticator, error) {
	if service == "" {
		return nil, errors.New("pam: service name must not be empty")
	}
	if username == "" {
		return nil, errors.New("pam: username must not be empty")
	}
	if starter == nil {
		if systemTransactionStarter == nil {
			return nil, errSystemStarterUnavailable
		}
		starter = systemTransactionStarter
	}
	return &Authenticator{service: service, username: username, starter: starter}, nil
}

// Verify runs one transaction. Module messages are forwarded to notify when it
// is non-nil.
func (a *Authenticator) Verify(ctx context.Context, notify Notifier) (err error) {
	if a == nil {
		return errors.New("pam: authenticator is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if notify == nil {
		notify = func(MessageStyle, string) {}
	}

	txn, err := a.starter.Start(ctx, a.service, a.username, notify)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := txn.Close(); closeErr != nil {
			if err != nil {
				err = errors.Join(err, closeErr)
			} else {
				err = closeErr
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	return txn.Authenticate(ctx)
}
