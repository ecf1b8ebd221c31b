package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/term"
)

// TerminalMatcher simulates a fingerprint reader on an interactive console.
// One keypress ends the attempt:
//
//	enter, space  match
//	f             no match
//	d             dirty imager (help)
//	x             lockout
//
// When in is a terminal it is switched to raw mode for the read so a single
// key suffices; otherwise a whole line is read and its first byte is used.
// A key pressed after an attempt is canceled goes to the next attempt.
type TerminalMatcher struct {
	in     io.Reader
	lines  *bufio.Reader
	out    io.Writer
	prompt string
	keys   *inputFeed[byte]
}

type fdReader interface {
	io.Reader
	Fd() uintptr
}

// NewTerminalMatcher reads keys from in and writes prompts to out. A nil out
// discards prompts.
func NewTerminalMatcher(in io.Reader, out io.Writer) (*TerminalMatcher, error) {
	if in == nil {
		return nil, errors.New("sensor: terminal input must not be nil")
	}
	if out == nil {
		out = io.Discard
	}
	m := &TerminalMatcher{
		in:     in,
		lines:  bufio.NewReader(in),
		out:    out,
		prompt: "Touch the sensor [enter=match f=fail d=dirty x=lockout]: ",
	}
	m.keys = newInputFeed(m.readKey)
	return m, nil
}

// Authenticate prompts and waits for a key on a separate goroutine.
func (m *TerminalMatcher) Authenticate(ctx context.Context, obj CryptoObject, emit func(Event)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if emit == nil {
		return errors.New("sensor: emit must not be nil")
	}
	if _, err := fmt.Fprint(m.out, m.prompt); err != nil {
		return fmt.Errorf("sensor: write prompt: %w", err)
	}

	go func() {
		key, err := m.keys.next(ctx)
		switch {
		case ctx.Err() != nil:
			emit(canceledEvent())
		case err != nil:
			fmt.Fprintln(m.out)
			emit(ErrorReceived{Code: ErrorHardwareUnavailable, Message: fmt.Sprintf("sensor read failed: %v", err)})
		default:
			fmt.Fprintln(m.out)
			emit(keyEvent(obj, key))
		}
	}()

	return nil
}

func (m *TerminalMatcher) readKey() (byte, error) {
	if f, ok := m.in.(fdReader); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return 0, err
		}
		defer term.Restore(int(f.Fd()), state)

		buf := make([]byte, 1)
		if _, err := io.ReadFull(f, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	line, err := m.lines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return 0, err
	}
	return line[0], nil
}

func keyEvent(obj CryptoObject, key byte) Event {
	switch key {
	case '\r', '\n', ' ':
		return Succeeded{Object: obj}
	case 'f', 'F':
		return Failed{}
	case 'd', 'D':
		return HelpReceived{Code: HelpImagerDirty, Message: "The sensor is dirty, please clean it."}
	case 'x', 'X', 0x03:
		return ErrorReceived{Code: ErrorLockout, Message: "Too many attempts. Try again later."}
	default:
		return HelpReceived{Code: HelpPartial, Message: fmt.Sprintf("Unrecognized input %q.", key)}
	}
}
