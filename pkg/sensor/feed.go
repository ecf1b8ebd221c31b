package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type feedResult[T any] struct {
	val T
	err error
}

// inputFeed hands values from one blocking source to successive attempts.
// At most one read is outstanding. A read started for an attempt that was
// canceled is handed to the next attempt instead of being dropped, so a
// canceled attempt never swallows input meant for its successor. Attempts
// take values one at a time.
type inputFeed[T any] struct {
	read func() (T, error)

	mu      sync.Mutex
	reading bool
	results chan feedResult[T]
}

func newInputFeed[T any](read func() (T, error)) *inputFeed[T] {
	return &inputFeed[T]{read: read, results: make(chan feedResult[T])}
}

// next returns the next value, or ctx.Err() if ctx ends first. The pending
// read, if any, stays in flight for the following call.
func (f *inputFeed[T]) next(ctx context.Context) (T, error) {
	f.mu.Lock()
	if !f.reading {
		f.reading = true
		go func() {
			v, err := f.read()
			f.results <- feedResult[T]{val: v, err: err}
		}()
	}
	f.mu.Unlock()

	select {
	case r := <-f.results:
		f.mu.Lock()
		f.reading = false
		f.mu.Unlock()
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// LineCodeReader reads one-time codes a line at a time, printing prompt to
// out before each attempt. ReadCode returns as soon as ctx is done; the
// unfinished line is kept for the next call.
type LineCodeReader struct {
	out    io.Writer
	prompt string
	feed   *inputFeed[string]
}

// NewLineCodeReader reads lines from in. A nil out discards prompts.
func NewLineCodeReader(in io.Reader, out io.Writer, prompt string) (*LineCodeReader, error) {
	if in == nil {
		return nil, errors.New("sensor: code input must not be nil")
	}
	if out == nil {
		out = io.Discard
	}
	lines := bufio.NewReader(in)
	return &LineCodeReader{
		out:    out,
		prompt: prompt,
		feed: newInputFeed(func() (string, error) {
			line, err := lines.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return "", err
			}
			return strings.TrimSpace(line), nil
		}),
	}, nil
}

// ReadCode implements CodeReader.
func (r *LineCodeReader) ReadCode(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := fmt.Fprint(r.out, r.prompt); err != nil {
		return "", fmt.Errorf("sensor: write prompt: %w", err)
	}
	return r.feed.next(ctx)
}
