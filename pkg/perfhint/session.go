package perfhint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/session"
)

// Session is a group of threads whose periodic work is tracked as one unit.
// It must be closed after use. It is safe for concurrent use.
type Session struct {
	m    *Manager
	id   string
	done <-chan struct{}

	mu     sync.Mutex // serializes target updates
	target time.Duration
	closed bool
}

func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

// TargetWorkDuration returns the target from the most recent successful update.
func (s *Session) TargetWorkDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// UpdateTargetWorkDuration sets the desired duration of each work cycle.
func (s *Session) UpdateTargetWorkDuration(target time.Duration) error {
	if err := s.usable(); err != nil {
		return err
	}
	if target <= 0 {
		return fmt.Errorf("%w: target %d must be positive", ErrInvalidArgument, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.m.backend.UpdateTarget(s.id, target); err != nil {
		return translate(err)
	}
	s.target = target
	return nil
}

// ReportActualWorkDuration reports how long the last work cycle took. The
// service adjusts core placement and frequency to bring it toward the target.
func (s *Session) ReportActualWorkDuration(actual time.Duration) error {
	if err := s.usable(); err != nil {
		return err
	}
	if actual <= 0 {
		return fmt.Errorf("%w: actual %d must be positive", ErrInvalidArgument, actual)
	}
	return translate(s.m.backend.ReportActual(s.id, actual))
}

// SendHint tells the service about an upcoming workload change.
func (s *Session) SendHint(hint SessionHint) error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.m.caps.SendHint {
		return fmt.Errorf("%w: hints need api level %d", ErrUnsupported, config.APILevelU)
	}
	return translate(s.m.backend.SendHint(s.id, session.Hint(hint)))
}

// Close releases the session. The handle is unusable afterwards even if the
// service could not be told. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}
	err := s.m.backend.CloseSession(s.id)
	if errors.Is(err, session.ErrNotFound) {
		// the service ended it first
		return nil
	}
	return translate(err)
}
