package usbgpio

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/golang/glog"
)

// Timing controls the polling discipline of LineReader.
type Timing struct {
	// PollInterval is the wait after a poll which returned no data.
	PollInterval time.Duration
	// Quiet is how long the stream must stay silent before a read is
	// considered empty. A pending fragment without LF (the prompt) is
	// returned as a line at that point.
	Quiet time.Duration
	// Timeout caps the time spent assembling one response.
	// Zero means no limit other than the context.
	Timeout time.Duration
}

// DefaultTiming is used when a Timing field is zero.
var DefaultTiming = Timing{
	PollInterval: time.Millisecond,
	Quiet:        20 * time.Millisecond,
}

const readBufferSize = 256

// LineReader turns a non-blocking byte stream into lines.
// The Reader must return immediately: (0, nil) or a timeout error
// means nothing is pending.
type LineReader struct {
	Reader io.Reader
	Timing Timing

	pending []byte
	buf     []byte
}

// NewLineReader creates a LineReader.
func NewLineReader(r io.Reader, timing Timing) *LineReader {
	return &LineReader{Reader: r, Timing: timing}
}

func (r *LineReader) pollInterval() time.Duration {
	if r.Timing.PollInterval > 0 {
		return r.Timing.PollInterval
	}
	return DefaultTiming.PollInterval
}

func (r *LineReader) quiet() time.Duration {
	if r.Timing.Quiet > 0 {
		return r.Timing.Quiet
	}
	return DefaultTiming.Quiet
}

// ReadLine returns the next LF terminated line. Once the stream has been
// silent for Timing.Quiet it returns whatever is pending, which is empty
// if nothing arrived.
func (r *LineReader) ReadLine(ctx context.Context) ([]byte, error) {
	var quietSince time.Time
	for {
		if n := bytes.IndexByte(r.pending, '\n'); n >= 0 {
			return r.take(n + 1), nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		n, err := r.poll()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			quietSince = time.Time{}
			continue
		}
		if now := time.Now(); quietSince.IsZero() {
			quietSince = now
		} else if now.Sub(quietSince) >= r.quiet() {
			return r.take(len(r.pending)), nil
		}
		if err = r.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// ReadLines reads the response of a query: empty reads are skipped until
// the first line arrives, then lines are collected until an empty read.
func (r *LineReader) ReadLines(ctx context.Context) ([][]byte, error) {
	return r.readLines(ctx)
}

// DrainLines consumes the response of a command without payload.
// The polling is the same as ReadLines, the lines are returned only for
// frame validation.
func (r *LineReader) DrainLines(ctx context.Context) ([][]byte, error) {
	return r.readLines(ctx)
}

func (r *LineReader) readLines(ctx context.Context) (lines [][]byte, err error) {
	if r.Timing.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.Timing.Timeout, ErrTimeout)
		defer cancel()
	}
	var line []byte
	for len(line) == 0 {
		if line, err = r.ReadLine(ctx); err != nil {
			return
		}
	}
	for len(line) > 0 {
		glog.V(2).Infof("rx %q", line)
		lines = append(lines, line)
		if line, err = r.ReadLine(ctx); err != nil {
			return
		}
	}
	return
}

func (r *LineReader) take(n int) []byte {
	if n == 0 {
		return nil
	}
	line := make([]byte, n)
	copy(line, r.pending)
	r.pending = r.pending[:copy(r.pending, r.pending[n:])]
	return line
}

func (r *LineReader) poll() (int, error) {
	if r.buf == nil {
		r.buf = make([]byte, readBufferSize)
	}
	n, err := r.Reader.Read(r.buf)
	if n > 0 {
		r.pending = append(r.pending, r.buf[:n]...)
	}
	if err != nil && !os.IsTimeout(err) {
		return n, err
	}
	return n, nil
}

func (r *LineReader) wait(ctx context.Context) error {
	timer := time.NewTimer(r.pollInterval())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// Pending returns the number of buffered bytes not yet returned as a line.
func (r *LineReader) Pending() int {
	return len(r.pending)
}
