package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/specdraft/specdraft/pkg/progress"
	"github.com/specdraft/specdraft/pkg/spec"
	"github.com/specdraft/specdraft/pkg/storage"
)

// tokenBytes is the entropy of a restoration token (hex-encoded to 32 chars).
const tokenBytes = 16

// Manager implements session lifecycle over a record store.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a session manager. A zero ttl uses DefaultTTL.
func NewManager(store storage.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// sessionRecord is the stored shape of the session metadata record.
type sessionRecord struct {
	Session  Session   `json:"session"`
	UserInfo *UserInfo `json:"user_info,omitempty"`
}

// CreateSession starts a new active session and persists its metadata.
func (m *Manager) CreateSession(ctx context.Context) (*State, error) {
	now := m.now().UTC()
	sr := sessionRecord{Session: Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}}

	if err := m.putSession(ctx, &sr, ""); err != nil {
		return nil, err
	}

	return &State{
		Session:  sr.Session,
		Messages: []spec.Message{},
		Progress: progress.Derive(nil),
	}, nil
}

// GetSession reconstructs the full state of a session: metadata, messages in
// append order, the latest specification version, and derived progress.
func (m *Manager) GetSession(ctx context.Context, id string) (*State, error) {
	sr, _, err := m.getSession(ctx, id)
	if err != nil {
		return nil, err
	}

	msgs, err := m.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	latest, err := m.loadLatestSpec(ctx, id)
	if err != nil {
		return nil, err
	}

	return &State{
		Session:  sr.Session,
		Messages: msgs,
		Spec:     latest,
		Progress: progress.Derive(latest),
		UserInfo: sr.UserInfo,
	}, nil
}

// SaveSessionState persists a full state push. The operation is idempotent:
// messages are written at their append positions, and a specification is
// stored only when its version exceeds the latest persisted version. Each
// save slides the session expiry forward.
func (m *Manager) SaveSessionState(ctx context.Context, id string, state *State) error {
	sr, token, err := m.getSession(ctx, id)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	expires := now.Add(m.ttl)

	for i, msg := range state.Messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message %d: %w", i, err)
		}
		rec := &storage.Record{
			Key:       storage.MessageKey(id, i),
			ExpiresAt: expires,
			Data:      data,
		}
		if err := m.store.Put(ctx, rec); err != nil {
			return fmt.Errorf("%w: put message: %w", ErrStorageUnavailable, err)
		}
	}

	if state.Spec != nil {
		latest, err := m.loadLatestSpec(ctx, id)
		if err != nil {
			return err
		}
		if latest == nil || state.Spec.Version > latest.Version {
			data, err := json.Marshal(state.Spec)
			if err != nil {
				return fmt.Errorf("encode specification: %w", err)
			}
			rec := &storage.Record{
				Key:       storage.SpecKey(id, state.Spec.Version),
				ExpiresAt: expires,
				Data:      data,
			}
			if err := m.store.Put(ctx, rec); err != nil {
				return fmt.Errorf("%w: put specification: %w", ErrStorageUnavailable, err)
			}
		}
	}

	sr.Session.UpdatedAt = now
	sr.Session.ExpiresAt = expires
	// Status moves one way: once a session leaves active it never comes
	// back, so a stale replica push cannot resurrect it.
	if state.Session.Status != "" && sr.Session.Status == StatusActive {
		sr.Session.Status = state.Session.Status
	}
	if state.UserInfo != nil {
		sr.UserInfo = state.UserInfo
	}
	return m.putSession(ctx, sr, token)
}

// GenerateMagicLink mints a fresh restoration token for a session. Any
// previously issued token is superseded and stops resolving.
func (m *Manager) GenerateMagicLink(ctx context.Context, id string) (string, error) {
	sr, _, err := m.getSession(ctx, id)
	if err != nil {
		return "", err
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	sr.Session.UpdatedAt = m.now().UTC()
	if err := m.putSession(ctx, sr, token); err != nil {
		return "", err
	}

	m.logger.Info("magic link issued", "session_id", id)
	return token, nil
}

// RestoreFromMagicLink resolves a restoration token and returns the full
// session state. Unknown, expired, and superseded tokens all yield
// ErrInvalidToken. A successful restore counts as access: last-accessed
// time is bumped and the expiry slides, same as a state save.
func (m *Manager) RestoreFromMagicLink(ctx context.Context, token string) (*State, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	rec, err := m.store.GetByToken(ctx, storage.TokenKey(token))
	if err != nil {
		return nil, fmt.Errorf("%w: lookup token: %w", ErrStorageUnavailable, err)
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}
	id := storage.SessionIDFromKey(rec.Key)

	sr, stored, err := m.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sr.Session.UpdatedAt = now
	sr.Session.ExpiresAt = now.Add(m.ttl)
	if err := m.putSession(ctx, sr, stored); err != nil {
		return nil, err
	}

	return m.GetSession(ctx, id)
}

// AbandonSession marks a session abandoned. Abandoning an already abandoned
// session is a no-op.
func (m *Manager) AbandonSession(ctx context.Context, id string) error {
	sr, token, err := m.getSession(ctx, id)
	if err != nil {
		return err
	}
	if sr.Session.Status == StatusAbandoned {
		return nil
	}

	sr.Session.Status = StatusAbandoned
	sr.Session.UpdatedAt = m.now().UTC()
	if err := m.putSession(ctx, sr, token); err != nil {
		return err
	}

	m.logger.Info("session abandoned", "session_id", id)
	return nil
}

// errorRecord is the stored shape of a preserved failure: what went wrong
// and what the user was trying to say when it did.
type errorRecord struct {
	Error      string    `json:"error"`
	UserInput  string    `json:"user_input,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PreserveErrorState records a failed operation so the attempt can be
// recovered later: a dedicated error record with the cause and the user's
// input, written with a single direct put rather than the full save path
// that just failed, plus a best-effort save of the in-flight state. Errors
// are logged and swallowed, never propagated.
func (m *Manager) PreserveErrorState(ctx context.Context, id string, cause error, input string, state *State) {
	now := m.now().UTC()
	er := errorRecord{UserInput: input, OccurredAt: now}
	if cause != nil {
		er.Error = cause.Error()
	}
	if data, err := json.Marshal(er); err == nil {
		rec := &storage.Record{
			Key:       storage.ErrorKey(id),
			ExpiresAt: now.Add(m.ttl),
			Data:      data,
		}
		if err := m.store.Put(ctx, rec); err != nil {
			m.logger.Error("failed to preserve error record",
				"session_id", id, "error", err)
		}
	}

	if state == nil {
		return
	}
	if err := m.SaveSessionState(ctx, id, state); err != nil {
		m.logger.Error("failed to preserve session state after error",
			"session_id", id, "error", err)
	}
}

// getSession loads session metadata, returning the stored restoration token
// alongside so updates keep the token index intact.
func (m *Manager) getSession(ctx context.Context, id string) (*sessionRecord, string, error) {
	rec, err := m.store.Get(ctx, storage.SessionKey(id))
	if err != nil {
		return nil, "", fmt.Errorf("%w: get session: %w", ErrStorageUnavailable, err)
	}
	if rec == nil {
		return nil, "", ErrNotFound
	}

	var sr sessionRecord
	if err := json.Unmarshal(rec.Data, &sr); err != nil {
		return nil, "", fmt.Errorf("decode session %s: %w", id, err)
	}

	token := ""
	if rec.TokenKey != "" {
		token = rec.TokenKey[len(storage.TokenKey("")):]
	}
	return &sr, token, nil
}

// putSession writes session metadata. An empty token clears the token index.
func (m *Manager) putSession(ctx context.Context, sr *sessionRecord, token string) error {
	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	rec := &storage.Record{
		Key:       storage.SessionKey(sr.Session.ID),
		ExpiresAt: sr.Session.ExpiresAt,
		Data:      data,
	}
	if token != "" {
		rec.TokenKey = storage.TokenKey(token)
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("%w: put session: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (m *Manager) loadMessages(ctx context.Context, id string) ([]spec.Message, error) {
	recs, err := m.store.Query(ctx, storage.Query{Prefix: storage.MessagePrefix(id)})
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %w", ErrStorageUnavailable, err)
	}

	msgs := make([]spec.Message, 0, len(recs))
	for _, rec := range recs {
		var msg spec.Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", rec.Key, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (m *Manager) loadLatestSpec(ctx context.Context, id string) (*spec.Specification, error) {
	recs, err := m.store.Query(ctx, storage.Query{
		Prefix:     storage.SpecPrefix(id),
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query specifications: %w", ErrStorageUnavailable, err)
	}
	if len(recs) == 0 {
		return nil, nil //nolint:nilnil // no spec yet is not an error
	}

	var s spec.Specification
	if err := json.Unmarshal(recs[0].Data, &s); err != nil {
		return nil, fmt.Errorf("decode specification %s: %w", recs[0].Key, err)
	}
	return &s, nil
}
