package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specdraft/specdraft/pkg/session"
	"github.com/specdraft/specdraft/pkg/spec"
)

// fakeBackend records saves and can be made to fail a number of times.
type fakeBackend struct {
	mu       sync.Mutex
	saves    []*session.State
	failures int
	delay    time.Duration
	states   map[string]*session.State
	tokens   map[string]*session.State
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		states: make(map[string]*session.State),
		tokens: make(map[string]*session.State),
	}
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (*session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return state, nil
}

func (f *fakeBackend) SaveSessionState(_ context.Context, id string, state *session.State) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("backend down")
	}
	f.saves = append(f.saves, state)
	return nil
}

func (f *fakeBackend) RestoreFromMagicLink(_ context.Context, token string) (*session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.tokens[token]
	if !ok {
		return nil, session.ErrInvalidToken
	}
	return state, nil
}

func (f *fakeBackend) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeBackend) lastSave() *session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return nil
	}
	return f.saves[len(f.saves)-1]
}

func newTestSyncer(t *testing.T, backend *fakeBackend) *Syncer {
	t.Helper()
	s := New(backend, Config{Interval: time.Hour, MaxRetries: 3}, nil)
	s.Start()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func activeState(id string) *session.State {
	return &session.State{
		Session: session.Session{ID: id, Status: session.StatusActive},
	}
}

func TestAddMessagePushesImmediately(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSyncer(t, backend)
	s.Adopt(activeState("s1"))

	s.AddMessage(spec.NewMessage(spec.RoleUser, "hello"))

	require.Eventually(t, func() bool { return backend.saveCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	saved := backend.lastSave()
	require.Len(t, saved.Messages, 1)
	assert.Equal(t, "hello", saved.Messages[0].Content)
}

func TestUpdateSpecificationIgnoresStaleVersion(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSyncer(t, backend)

	state := activeState("s1")
	state.Spec = &spec.Specification{Version: 5, Summary: spec.Summary{Overview: "five"}}
	s.Adopt(state)

	s.UpdateSpecification(&spec.Specification{Version: 3, Summary: spec.Summary{Overview: "three"}})

	snap := s.Snapshot()
	assert.Equal(t, 5, snap.Spec.Version)
	assert.Equal(t, "five", snap.Spec.Summary.Overview)
}

func TestSnapshotIsACopy(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSyncer(t, backend)
	s.Adopt(activeState("s1"))
	s.AddMessage(spec.NewMessage(spec.RoleUser, "hello"))

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"

	assert.Equal(t, "hello", s.Snapshot().Messages[0].Content)
}

func TestOfflineSuspendsAndRecoveryPushes(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSyncer(t, backend)
	s.Adopt(activeState("s1"))

	s.SetOnline(false)
	s.AddMessage(spec.NewMessage(spec.RoleUser, "typed offline"))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, backend.saveCount())

	s.SetOnline(true)
	require.Eventually(t, func() bool { return backend.saveCount() >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "typed offline", backend.lastSave().Messages[0].Content)
}

func TestPushRetriesWithBackoff(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 2
	s := newTestSyncer(t, backend)
	s.Adopt(activeState("s1"))

	s.AddMessage(spec.NewMessage(spec.RoleUser, "persist me"))

	require.Eventually(t, func() bool { return backend.saveCount() >= 1 },
		10*time.Second, 20*time.Millisecond)
}

func TestBurstCoalesces(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 20 * time.Millisecond
	s := newTestSyncer(t, backend)
	s.Adopt(activeState("s1"))

	for i := 0; i < 10; i++ {
		s.AddMessage(spec.NewMessage(spec.RoleUser, "msg"))
	}

	require.Eventually(t, func() bool {
		last := backend.lastSave()
		return last != nil && len(last.Messages) == 10
	}, 2*time.Second, 10*time.Millisecond)

	// far fewer pushes than mutations
	assert.Less(t, backend.saveCount(), 10)
}

func TestRestoreFromServer(t *testing.T) {
	backend := newFakeBackend()
	stored := activeState("s1")
	stored.Messages = []spec.Message{spec.NewMessage(spec.RoleUser, "restored")}
	backend.states["s1"] = stored

	s := newTestSyncer(t, backend)

	state, err := s.RestoreFromServer(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "restored", state.Messages[0].Content)

	_, err = s.RestoreFromServer(context.Background(), "ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRestoreFromToken(t *testing.T) {
	backend := newFakeBackend()
	backend.tokens["tok"] = activeState("s1")

	s := newTestSyncer(t, backend)

	state, err := s.RestoreFromToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "s1", state.Session.ID)

	_, err = s.RestoreFromToken(context.Background(), "bad")
	assert.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestClearDiscardsReplica(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSyncer(t, backend)
	s.Adopt(activeState("s1"))
	s.Clear()

	assert.Nil(t, s.Snapshot())

	// mutations after clear are no-ops
	s.AddMessage(spec.NewMessage(spec.RoleUser, "dropped"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, backend.saveCount())
}

func TestCloseFlushesPendingChanges(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{Interval: time.Hour}, nil)
	s.Start()
	s.Adopt(activeState("s1"))

	s.SetOnline(false)
	s.AddMessage(spec.NewMessage(spec.RoleUser, "flush me"))
	s.SetOnline(true)

	require.NoError(t, s.Close())
	assert.GreaterOrEqual(t, backend.saveCount(), 1)
}