package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotStarted = errors.New("registry not started")
	ErrStopped    = errors.New("registry stopped")
	ErrNoStore    = errors.New("no blob store configured")
	ErrUnsafePath = errors.New("path escapes the local directory")
)

// Source identifies the pipeline an Error originated from.
type Source string

const (
	SourceWatcher  Source = "watcher"
	SourceReplay   Source = "replay"
	SourceTransfer Source = "transfer"
	SourcePublish  Source = "publish"
)

// Error is a non-fatal failure reported by one of the collaborators.
type Error struct {
	Source  Source
	Message string
	Err     error
}

func newError(source Source, err error, format string, args ...any) *Error {
	return &Error{Source: source, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// String renders the error with its source tag, e.g. "[replay] get entry 3: timeout".
func (e *Error) String() string {
	return fmt.Sprintf("[%s] %s", e.Source, e.Error())
}

// ErrorSink receives every collaborator failure.
type ErrorSink func(*Error)

const DefaultErrorLogSize = 100

// ErrorLog accumulates errors for display. Only the most recent entries are kept.
type ErrorLog struct {
	errs  []*Error
	max   int
	total int
	mu    sync.RWMutex
}

func NewErrorLog(size int) *ErrorLog {
	if size <= 0 {
		size = DefaultErrorLogSize
	}
	return &ErrorLog{max: size}
}

// Add is an ErrorSink.
func (l *ErrorLog) Add(err *Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	l.errs = append(l.errs, err)
	if len(l.errs) > l.max {
		l.errs = l.errs[len(l.errs)-l.max:]
	}
}

// Errors returns a copy of the retained errors, oldest first.
func (l *ErrorLog) Errors() []*Error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Error, len(l.errs))
	copy(out, l.errs)
	return out
}

// Total is the number of errors ever added, including dropped ones.
func (l *ErrorLog) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
