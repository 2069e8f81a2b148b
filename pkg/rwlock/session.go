package rwlock

import (
	"runtime"
	"sync"
)

// Session is one acquired read or write access to a named lock. It owns
// its coordinator and is the sole path for releasing the acquisition:
// Release runs the matching release protocol and disposes the handles,
// exactly once. A session is never observable before acquisition has
// completed.
//
// Scoped release (typically a defer) is the correctness mechanism. A
// finalizer performs the same cleanup if a session is dropped without
// Release, but garbage collection is not prompt and must not be relied on.
type Session struct {
	c    *Coordinator
	mode Mode

	mu       sync.Mutex
	released bool
}

// ForReading acquires a read session on the lock named identity, blocking
// until the acquisition completes. No session is returned on failure.
func ForReading(identity string, opts ...Option) (*Session, error) {
	return newSession(identity, Read, opts)
}

// ForWriting acquires a write session on the lock named identity, blocking
// until every concurrent reader has finished. No session is returned on
// failure.
func ForWriting(identity string, opts ...Option) (*Session, error) {
	return newSession(identity, Write, opts)
}

func newSession(identity string, mode Mode, opts []Option) (*Session, error) {
	c, err := Open(identity, opts...)
	if err != nil {
		return nil, err
	}
	switch mode {
	case Read:
		err = c.AcquireRead()
	case Write:
		err = c.AcquireWrite()
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	s := &Session{c: c, mode: mode}
	runtime.SetFinalizer(s, func(leaked *Session) {
		leaked.c.logError("session_leaked", map[string]interface{}{"mode": string(leaked.mode)})
		_ = leaked.release()
	})
	return s, nil
}

func (s *Session) Mode() Mode { return s.mode }

// Abandoned reports whether acquiring this session took over a Gate whose
// previous holder terminated without releasing.
func (s *Session) Abandoned() bool { return s.c.RecoveredAbandoned() }

// Release relinquishes the acquisition and closes the underlying handles.
// The first call does the work; later calls are no-ops returning
// ErrSessionReleased.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSessionReleased
	}
	s.released = true
	s.mu.Unlock()

	runtime.SetFinalizer(s, nil)
	return s.release()
}

func (s *Session) release() error {
	var relErr error
	switch s.mode {
	case Read:
		relErr = s.c.ReleaseRead()
	case Write:
		relErr = s.c.ReleaseWrite()
	}
	// Close still releases anything the mode release left behind and is
	// the step that disposes the handles.
	if closeErr := s.c.Close(); relErr == nil {
		relErr = closeErr
	}
	return relErr
}
