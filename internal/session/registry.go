package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peterje/perfhint/internal/placement"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Info is a snapshot of a session's state.
type Info struct {
	ID            string        `json:"id"`
	Owner         string        `json:"owner"`
	PID           int           `json:"pid"`
	ThreadIDs     []int32       `json:"thread_ids"`
	InitialTarget time.Duration `json:"initial_target_ns"`
	Target        time.Duration `json:"target_ns"`
	LastActual    time.Duration `json:"last_actual_ns"`
	MeanActual    time.Duration `json:"mean_actual_ns"`
	Reports       int64         `json:"reports"`
	LastHint      *Hint         `json:"last_hint,omitempty"`
	Boost         int           `json:"boost"`
	Idle          bool          `json:"idle"`
	Verified      bool          `json:"verified"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// EventKind names a session state change.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventTarget  EventKind = "target"
	EventReport  EventKind = "report"
	EventHint    EventKind = "hint"
	EventBoost   EventKind = "boost"
	EventClosed  EventKind = "closed"
)

// Event is published to subscribers on every state change.
type Event struct {
	Kind EventKind `json:"kind"`
	Info Info      `json:"session"`
}

// CreateRequest holds the arguments for Registry.Create.
type CreateRequest struct {
	Owner     string // connection or caller identity; used by CloseOwner
	PID       int    // caller process; 0 skips thread verification
	ThreadIDs []int32
	Target    time.Duration
	// Unverified marks a caller whose pid the kernel did not vouch for. Its
	// threads are tracked but never placed.
	Unverified bool
}

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	Window      int
	MaxBoost    int
	IdleTimeout time.Duration
	Placer      placement.Placer
	// VerifyThread reports an error if tid is not part of pid's thread group.
	VerifyThread func(pid int, tid int32) error
	Logger       *zap.Logger
	Now          func() time.Time
}

type entry struct {
	mu     sync.Mutex
	info   Info
	ctl    *controller
	closed bool
	done   chan struct{}
}

func (e *entry) snapshot() Info {
	info := e.info
	info.ThreadIDs = slices.Clone(e.info.ThreadIDs)
	info.Boost = e.ctl.level
	info.Idle = e.ctl.idle
	info.MeanActual = e.ctl.mean()
	return info
}

// Registry owns all live sessions and their boost controllers.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*entry

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Window < 1 {
		opts.Window = 8
	}
	if opts.MaxBoost < 1 {
		opts.MaxBoost = 4
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Second
	}
	if opts.Placer == nil {
		opts.Placer = placement.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:        opts,
		log:         opts.Logger,
		sessions:    make(map[string]*entry),
		subscribers: make(map[chan Event]struct{}),
	}
}

// MaxBoost returns the highest boost level sessions can reach.
func (r *Registry) MaxBoost() int {
	return r.opts.MaxBoost
}

// Create validates the request and registers a new session.
func (r *Registry) Create(req CreateRequest) (Info, error) {
	if len(req.ThreadIDs) == 0 {
		return Info{}, fmt.Errorf("%w: empty thread list", ErrInvalidArgument)
	}
	if req.Target <= 0 {
		return Info{}, fmt.Errorf("%w: target duration %d must be positive", ErrInvalidArgument, req.Target)
	}
	for _, tid := range req.ThreadIDs {
		if tid <= 0 {
			return Info{}, fmt.Errorf("%w: thread id %d", ErrInvalidArgument, tid)
		}
		if req.PID > 0 && r.opts.VerifyThread != nil {
			if err := r.opts.VerifyThread(req.PID, tid); err != nil {
				return Info{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
		}
	}

	now := r.opts.Now()
	e := &entry{
		info: Info{
			ID:            uuid.New().String(),
			Owner:         req.Owner,
			PID:           req.PID,
			ThreadIDs:     slices.Clone(req.ThreadIDs),
			InitialTarget: req.Target,
			Target:        req.Target,
			Verified:      !req.Unverified,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		ctl:  newController(r.opts.Window, r.opts.MaxBoost),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[e.info.ID] = e
	r.mu.Unlock()

	e.mu.Lock()
	r.place(e)
	info := e.snapshot()
	e.mu.Unlock()

	r.log.Info("session created",
		zap.String("session_id", info.ID),
		zap.Int("pid", info.PID),
		zap.Int32s("tids", info.ThreadIDs),
		zap.Duration("target", info.Target))
	r.publish(EventCreated, info)
	return info, nil
}

// UpdateTarget sets a new target duration.
func (r *Registry) UpdateTarget(id string, target time.Duration) (Info, error) {
	if target <= 0 {
		return Info{}, fmt.Errorf("%w: target duration %d must be positive", ErrInvalidArgument, target)
	}
	return r.mutate(id, EventTarget, func(e *entry) bool {
		e.info.Target = target
		return false
	})
}

// ReportActual records the actual duration of the last work cycle.
func (r *Registry) ReportActual(id string, actual time.Duration) (Info, error) {
	if actual <= 0 {
		return Info{}, fmt.Errorf("%w: actual duration %d must be positive", ErrInvalidArgument, actual)
	}
	return r.mutate(id, EventReport, func(e *entry) bool {
		e.info.LastActual = actual
		e.info.Reports++
		return e.ctl.observe(actual, e.info.Target)
	})
}

// SendHint applies a load hint.
func (r *Registry) SendHint(id string, hint Hint) (Info, error) {
	if !hint.Known() {
		return Info{}, fmt.Errorf("%w: %d", ErrUnknownHint, int32(hint))
	}
	return r.mutate(id, EventHint, func(e *entry) bool {
		h := hint
		e.info.LastHint = &h
		return e.ctl.hint(hint)
	})
}

func (r *Registry) mutate(id string, kind EventKind, fn func(e *entry) bool) (Info, error) {
	e := r.lookup(id)
	if e == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := fn(e)
	e.info.UpdatedAt = r.opts.Now()
	if changed {
		r.place(e)
	}
	info := e.snapshot()
	e.mu.Unlock()

	r.publish(kind, info)
	if changed {
		r.log.Debug("boost changed",
			zap.String("session_id", id),
			zap.Int("level", info.Boost))
		r.publish(EventBoost, info)
	}
	return info, nil
}

// Close removes a session and resets its threads' placement.
func (r *Registry) Close(id string) (Info, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.finish(e), nil
}

// CloseOwner closes every session created by owner.
func (r *Registry) CloseOwner(owner string) []Info {
	r.mu.Lock()
	var owned []*entry
	for id, e := range r.sessions {
		if e.info.Owner == owner {
			owned = append(owned, e)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(owned))
	for _, e := range owned {
		infos = append(infos, r.finish(e))
	}
	return infos
}

// CloseAll closes every session, resetting placement concurrently.
func (r *Registry) CloseAll() []Info {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e)
	}
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	infos := make([]Info, len(all))
	var wg conc.WaitGroup
	for i, e := range all {
		wg.Go(func() {
			infos[i] = r.finish(e)
		})
	}
	wg.Wait()
	return infos
}

func (r *Registry) finish(e *entry) Info {
	e.mu.Lock()
	e.closed = true
	close(e.done)
	if e.info.Verified {
		if err := r.opts.Placer.Reset(e.info.ThreadIDs); err != nil {
			r.log.Warn("reset placement", zap.String("session_id", e.info.ID), zap.Error(err))
		}
	}
	info := e.snapshot()
	e.mu.Unlock()

	r.log.Info("session closed",
		zap.String("session_id", info.ID),
		zap.Int64("reports", info.Reports))
	r.publish(EventClosed, info)
	return info
}

// Sweep puts sessions with no activity for the idle timeout to sleep and
// returns the sessions whose boost level it dropped.
func (r *Registry) Sweep() []Info {
	now := r.opts.Now()
	r.mu.RLock()
	all := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e)
	}
	r.mu.RUnlock()

	var slept []Info
	for _, e := range all {
		e.mu.Lock()
		if e.closed || now.Sub(e.info.UpdatedAt) < r.opts.IdleTimeout || !e.ctl.sleep() {
			e.mu.Unlock()
			continue
		}
		r.place(e)
		info := e.snapshot()
		e.mu.Unlock()
		r.publish(EventBoost, info)
		slept = append(slept, info)
	}
	return slept
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Info, bool) {
	e := r.lookup(id)
	if e == nil {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		infos = append(infos, e.snapshot())
		e.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return infos
}

// Owned reports whether session id exists and was created by owner.
func (r *Registry) Owned(id, owner string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Owner == owner
}

// ListOwner returns snapshots of the sessions created by owner, oldest first.
func (r *Registry) ListOwner(owner string) []Info {
	return slices.DeleteFunc(r.List(), func(info Info) bool {
		return info.Owner != owner
	})
}

// Done returns a channel closed when the session ends. Unknown ids get a closed channel.
func (r *Registry) Done(id string) <-chan struct{} {
	if e := r.lookup(id); e != nil {
		return e.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// place applies the current level. Caller holds e.mu.
func (r *Registry) place(e *entry) {
	if !e.info.Verified {
		return
	}
	if err := r.opts.Placer.Place(e.info.ThreadIDs, e.ctl.level, e.ctl.max); err != nil {
		r.log.Warn("apply placement",
			zap.String("session_id", e.info.ID),
			zap.Int("level", e.ctl.level),
			zap.Error(err))
	}
}

// Subscribe returns a channel of session events and an unsubscribe function.
// Slow subscribers miss events rather than block the registry.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	unsub := func() {
		r.subMu.Lock()
		delete(r.subscribers, ch)
		r.subMu.Unlock()
	}
	return ch, unsub
}

func (r *Registry) publish(kind EventKind, info Info) {
	ev := Event{Kind: kind, Info: info}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
