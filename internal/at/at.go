// Package at implements a line-oriented AT command exchange over a serial
// link. One request is in flight at a time; lines matching a registered
// listener prefix are delivered to the listener instead.
package at

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/recovery"
)

var (
	// ErrTimeout is returned when an expected token does not arrive in time.
	ErrTimeout = errors.New("at: response timeout")

	// ErrCommand is returned when the modem answers ERROR.
	ErrCommand = errors.New("at: command error")

	// ErrClosed is returned once the link is closed.
	ErrClosed = errors.New("at: link closed")
)

// DefaultTimeout applies to a Wait with no timeout.
const DefaultTimeout = time.Second

// Wait is one expected response token.
type Wait struct {
	Token   string
	Timeout time.Duration
}

// WaitFor builds a Wait.
func WaitFor(token string, timeout time.Duration) Wait {
	return Wait{Token: token, Timeout: timeout}
}

// Listener receives unsolicited lines starting with a prefix.
type Listener struct {
	s      *Support
	id     uint64
	prefix string
	fn     func(line string)
}

// Remove unregisters the listener.
func (l *Listener) Remove() {
	if l == nil {
		return
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	delete(l.s.listeners, l.id)
}

// Support drives AT exchanges over rw.
type Support struct {
	rw     io.ReadWriter
	logger *slog.Logger

	exchange sync.Mutex

	mu        sync.Mutex
	lines     chan string // set while a request is in flight
	listeners map[uint64]*Listener
	nextID    uint64
	closed    bool
	readErr   error
	done      chan struct{}
}

// New starts reading lines from rw.
func New(rw io.ReadWriter, logger *slog.Logger) *Support {
	s := &Support{
		rw:        rw,
		logger:    logging.Component(logger, "at"),
		listeners: make(map[uint64]*Listener),
		done:      make(chan struct{}),
	}
	recovery.Go(s.logger, "at.reader", s.readLoop)
	return s
}

func (s *Support) readLoop() {
	defer close(s.done)

	buf := make([]byte, 512)
	var pending []byte
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexAny(pending, "\r\n")
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:i]))
				pending = pending[i+1:]
				if line != "" {
					s.dispatch(line)
				}
			}
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = err
			}
			s.closed = true
			s.mu.Unlock()
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("at link read failed", logging.KeyError, err)
			}
			return
		}
	}
}

func (s *Support) dispatch(line string) {
	s.mu.Lock()
	var matched []*Listener
	for _, l := range s.listeners {
		if strings.HasPrefix(line, l.prefix) {
			matched = append(matched, l)
		}
	}
	lines := s.lines
	s.mu.Unlock()

	if len(matched) > 0 {
		for _, l := range matched {
			l.fn(line)
		}
		return
	}
	if lines == nil {
		s.logger.Debug("unsolicited line", "line", line)
		return
	}
	select {
	case lines <- line:
	default:
		s.logger.Warn("at response overflow, dropping line", "line", line)
	}
}

// Listen registers fn for every line starting with prefix. fn runs on the
// reader goroutine and must not block or issue requests.
func (s *Support) Listen(prefix string, fn func(line string)) *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	l := &Listener{s: s, id: s.nextID, prefix: prefix, fn: fn}
	s.listeners[l.id] = l
	return l
}

// Request sends cmd and waits for each token in order. It returns every
// line received up to and including the last token. A line reading ERROR
// fails the request.
func (s *Support) Request(ctx context.Context, cmd string, waits ...Wait) ([]string, error) {
	s.exchange.Lock()
	defer s.exchange.Unlock()

	lines := make(chan string, 64)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.lines = lines
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.lines = nil
		s.mu.Unlock()
	}()

	if _, err := io.WriteString(s.rw, frame(cmd)); err != nil {
		return nil, fmt.Errorf("at: write %q: %w", cmd, err)
	}

	var got []string
	for _, w := range waits {
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		timer := time.NewTimer(timeout)
		err := func() error {
			defer timer.Stop()
			for {
				select {
				case line := <-lines:
					got = append(got, line)
					if isError(line) {
						return fmt.Errorf("%w: %s: %s", ErrCommand, cmd, line)
					}
					if strings.Contains(line, w.Token) {
						return nil
					}
				case <-timer.C:
					return fmt.Errorf("%w: %s waiting for %q", ErrTimeout, cmd, w.Token)
				case <-s.done:
					return ErrClosed
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}()
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

// Close stops reading. The underlying link is closed when it is a Closer.
func (s *Support) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the error that ended the read loop, if any.
func (s *Support) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// frame terminates cmd. The escape sequence is sent bare.
func frame(cmd string) string {
	if cmd == "+++" {
		return cmd
	}
	return cmd + "\r\n"
}

func isError(line string) bool {
	return line == "ERROR" || strings.HasPrefix(line, "+CME ERROR")
}

// ParseResponse splits "<prefix>: a,b,c" into its fields. Quotes around
// fields are removed.
func ParseResponse(line, prefix string) ([]string, error) {
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return nil, fmt.Errorf("at: %q does not start with %s", line, prefix)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if rest == "" {
		return nil, nil
	}
	fields := strings.Split(rest, ",")
	for i, f := range fields {
		fields[i] = strings.Trim(strings.TrimSpace(f), `"`)
	}
	return fields, nil
}

// Find returns the first line starting with prefix.
func Find(lines []string, prefix string) (string, bool) {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return l, true
		}
	}
	return "", false
}
