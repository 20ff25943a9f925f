package perfhint

import (
	"errors"
	"fmt"
	"time"

	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/session"
)

// Capabilities lists the operations the connected service supports.
type Capabilities struct {
	APILevel int
	Sessions bool // sessions, target and actual durations
	SendHint bool
}

func capabilitiesFor(level int) Capabilities {
	return Capabilities{
		APILevel: level,
		Sessions: level >= config.APILevelT,
		SendHint: level >= config.APILevelU,
	}
}

// Manager creates sessions. It is safe for concurrent use.
type Manager struct {
	backend session.Backend
	caps    Capabilities
	rate    time.Duration
}

// NewManager returns a Manager using backend. The caller owns backend and
// closes it once every session is closed.
func NewManager(backend session.Backend) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	info, err := backend.Hello()
	if err != nil {
		return nil, err
	}
	caps := capabilitiesFor(info.APILevel)
	if !caps.Sessions {
		return nil, fmt.Errorf("%w: api level %d", ErrUnsupported, info.APILevel)
	}
	rate := info.PreferredUpdateRate
	if rate <= 0 {
		rate = config.DefaultPreferredUpdateRate
	}
	return &Manager{backend: backend, caps: caps, rate: rate}, nil
}

// Capabilities returns what the service supports, resolved at acquisition.
func (m *Manager) Capabilities() Capabilities {
	return m.caps
}

// PreferredUpdateRate is the recommended minimum interval between duration
// reports. It is always positive.
func (m *Manager) PreferredUpdateRate() time.Duration {
	return m.rate
}

// CreateSession starts a session for threadIDs, which must belong to this
// process, with a positive initial target work duration.
func (m *Manager) CreateSession(threadIDs []int32, initialTarget time.Duration) (*Session, error) {
	if len(threadIDs) == 0 {
		return nil, fmt.Errorf("%w: no thread ids", ErrInvalidArgument)
	}
	if initialTarget <= 0 {
		return nil, fmt.Errorf("%w: initial target %d must be positive", ErrInvalidArgument, initialTarget)
	}

	id, err := m.backend.Create(append([]int32(nil), threadIDs...), initialTarget)
	if err != nil {
		return nil, err
	}
	return &Session{
		m:      m,
		id:     id,
		target: initialTarget,
		done:   m.backend.Done(id),
	}, nil
}

// translate maps backend errors into this package's errors.
func translate(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}
