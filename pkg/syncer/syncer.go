// Package syncer keeps an optimistic local replica of session state and
// pushes it to the durable session manager in the background. Local
// mutations return immediately; persistence happens after every appended
// message and on a fixed interval as a backstop. At most one push is in
// flight at a time; pushes requested while one is running coalesce into a
// single pending trigger.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/specdraft/specdraft/pkg/session"
	"github.com/specdraft/specdraft/pkg/spec"
)

// Backend is the durable side the replica syncs against.
type Backend interface {
	GetSession(ctx context.Context, id string) (*session.State, error)
	SaveSessionState(ctx context.Context, id string, state *session.State) error
	RestoreFromMagicLink(ctx context.Context, token string) (*session.State, error)
}

// Verify the session manager satisfies the backend contract.
var _ Backend = (*session.Manager)(nil)

// DefaultInterval is the backstop push interval.
const DefaultInterval = 30 * time.Second

// Config tunes the coordinator.
type Config struct {
	// Interval is the backstop push interval. Zero uses DefaultInterval.
	Interval time.Duration

	// MaxRetries caps backoff retries within a single push attempt.
	MaxRetries uint64
}

// Syncer holds the optimistic replica and drives background pushes.
type Syncer struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
	state     *session.State
	online    bool
	dirty     bool

	// trigger is buffered with capacity 1: a send while a push is pending
	// or in flight is dropped, coalescing bursts into one push.
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a sync coordinator. Start must be called before mutations
// are pushed anywhere.
func New(backend Backend, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		online:  true,
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the background push loop.
func (s *Syncer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Close stops the push loop after attempting one final push of any unsaved
// local changes.
func (s *Syncer) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done

	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.push(ctx)
	}
	return nil
}

// AddMessage appends a message to the local replica and requests an
// immediate push.
func (s *Syncer) AddMessage(msg spec.Message) {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return
	}
	s.state.Messages = append(s.state.Messages, msg)
	s.dirty = true
	s.mu.Unlock()

	s.requestPush()
}

// UpdateSpecification replaces the replica's specification when the new
// version is not older than the replica's.
func (s *Syncer) UpdateSpecification(sp *spec.Specification) {
	s.mu.Lock()
	if s.state == nil || sp == nil {
		s.mu.Unlock()
		return
	}
	if s.state.Spec != nil && sp.Version < s.state.Spec.Version {
		s.mu.Unlock()
		return
	}
	s.state.Spec = sp.Clone()
	s.dirty = true
	s.mu.Unlock()

	s.requestPush()
}

// UpdateProgress replaces the replica's progress snapshot. Progress is
// derived state, so no push is requested.
func (s *Syncer) UpdateProgress(p spec.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.Progress = p
}

// Snapshot returns a deep copy of the current replica, or nil when no
// session is loaded.
func (s *Syncer) Snapshot() *session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// RestoreFromServer replaces the replica with the durable state of a
// session.
func (s *Syncer) RestoreFromServer(ctx context.Context, id string) (*session.State, error) {
	state, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.adopt(state)
	return cloneState(state), nil
}

// RestoreFromToken replaces the replica with the session resolved from a
// magic-link token.
func (s *Syncer) RestoreFromToken(ctx context.Context, token string) (*session.State, error) {
	state, err := s.backend.RestoreFromMagicLink(ctx, token)
	if err != nil {
		return nil, err
	}
	s.adopt(state)
	return cloneState(state), nil
}

// Adopt makes a freshly created session the replica's subject.
func (s *Syncer) Adopt(state *session.State) {
	s.adopt(state)
}

// Clear discards the local replica without pushing.
func (s *Syncer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.state = nil
	s.dirty = false
}

// SetOnline flips connectivity. Going offline suspends pushes; coming back
// online triggers an immediate push of any unsaved changes.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	recovered := online && !s.online
	dirty := s.dirty
	s.online = online
	s.mu.Unlock()

	if recovered && dirty {
		s.requestPush()
	}
}

func (s *Syncer) adopt(state *session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = state.Session.ID
	s.state = cloneState(state)
	s.dirty = false
}

func (s *Syncer) requestPush() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.push(ctx)
		case <-ticker.C:
			s.push(ctx)
		}
	}
}

// push sends a snapshot of the replica to the backend, retrying with
// exponential backoff. The replica stays dirty on failure so the ticker
// backstop retries later.
func (s *Syncer) push(ctx context.Context) {
	s.mu.Lock()
	if s.state == nil || !s.dirty || !s.online {
		s.mu.Unlock()
		return
	}
	id := s.sessionID
	snapshot := cloneState(s.state)
	s.mu.Unlock()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		return s.backend.SaveSessionState(ctx, id, snapshot)
	}, policy)
	if err != nil {
		s.logger.Warn("replica push failed", "session_id", id, "error", err)
		return
	}

	s.mu.Lock()
	// later mutations re-marked dirty while we were pushing; keep those
	if s.sessionID == id && len(s.state.Messages) == len(snapshot.Messages) && sameSpecVersion(s.state, snapshot) {
		s.dirty = false
	}
	s.mu.Unlock()
}

func sameSpecVersion(a, b *session.State) bool {
	switch {
	case a.Spec == nil && b.Spec == nil:
		return true
	case a.Spec == nil || b.Spec == nil:
		return false
	default:
		return a.Spec.Version == b.Spec.Version
	}
}

func cloneState(state *session.State) *session.State {
	if state == nil {
		return nil
	}
	out := &session.State{
		Session:  state.Session,
		Messages: make([]spec.Message, len(state.Messages)),
		Spec:     state.Spec.Clone(),
		Progress: state.Progress,
	}
	copy(out.Messages, state.Messages)
	out.Progress.Covered = append([]string(nil), state.Progress.Covered...)
	out.Progress.Missing = append([]string(nil), state.Progress.Missing...)
	if state.UserInfo != nil {
		ui := *state.UserInfo
		out.UserInfo = &ui
	}
	return out
}
