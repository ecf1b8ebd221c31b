//go:build cgo

package pam

import (
	"context"
	"errors"
	"fmt"

	pam "github.com/msteinert/pam/v2"
)

var _ TransactionStarter = defaultStarter{}

func init() {
	systemTransactionStarter = defaultStarter{}
}

type defaultStarter struct{}

func (defaultStarter) Start(ctx context.Context, service, username string, notify Notifier) (Transaction, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	txn, err := pam.StartFunc(service, username, func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.TextInfo:
			notify(MessageInfo, msg)
			return "", nil
		case pam.ErrorMsg:
			notify(MessageError, msg)
			return "", nil
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return "", fmt.Errorf("%w: %s", ErrPrompt, msg)
		default:
			return "", fmt.Errorf("unsupported PAM style: %d", style)
		}
	})
	if err != nil {
		return nil, err
	}
	return &transaction{txn: txn}, nil
}

type transaction struct {
	txn *pam.Transaction
}

func (t *transaction) Authenticate(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := t.txn.Authenticate(0); err != nil {
		return mapError(err)
	}
	if err := t.txn.AcctMgmt(pam.Silent); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *transaction) Close() error {
	return t.txn.End()
}

func mapError(err error) error {
	switch {
	case errors.Is(err, pam.ErrAuth):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case errors.Is(err, pam.ErrMaxtries):
		return fmt.Errorf("%w: %v", ErrMaxTries, err)
	default:
		return err
	}
}
