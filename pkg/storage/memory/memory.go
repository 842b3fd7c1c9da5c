// Package memory provides an in-memory storage.Store for tests and
// zero-configuration runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/specdraft/specdraft/pkg/storage"
)

// Store implements storage.Store using mutex-guarded maps. Secondary
// indexes are maintained as separate key maps; overwriting a record whose
// index value changed unindexes the prior value, so a superseded
// restoration token stops resolving immediately.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
	byToken map[string]string // token key -> primary key
	byRef   map[string]string // ref key -> primary key

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*storage.Record),
		byToken: make(map[string]string),
		byRef:   make(map[string]string),
	}
}

// Get retrieves a record by primary key. Returns nil, nil if absent or expired.
func (s *Store) Get(_ context.Context, key string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return copyRecord(rec), nil
}

// Put writes a record, overwriting any existing record at the same key.
func (s *Store) Put(_ context.Context, rec *storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[rec.Key]; ok {
		if prev.TokenKey != "" && prev.TokenKey != rec.TokenKey {
			delete(s.byToken, prev.TokenKey)
		}
		if prev.RefKey != "" && prev.RefKey != rec.RefKey {
			delete(s.byRef, prev.RefKey)
		}
	}

	s.records[rec.Key] = copyRecord(rec)
	if rec.TokenKey != "" {
		s.byToken[rec.TokenKey] = rec.Key
	}
	if rec.RefKey != "" {
		s.byRef[rec.RefKey] = rec.Key
	}
	return nil
}

// Query returns records matching a key prefix, ordered by key.
func (s *Store) Query(_ context.Context, q storage.Query) ([]*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0)
	for key, rec := range s.records {
		if strings.HasPrefix(key, q.Prefix) && !rec.Expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if q.Descending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if q.Limit > 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}

	out := make([]*storage.Record, len(keys))
	for i, key := range keys {
		out[i] = copyRecord(s.records[key])
	}
	return out, nil
}

// GetByToken retrieves the record indexed by a restoration token key.
func (s *Store) GetByToken(ctx context.Context, tokenKey string) (*storage.Record, error) {
	s.mu.RLock()
	key, ok := s.byToken[tokenKey]
	s.mu.RUnlock()
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return s.Get(ctx, key)
}

// GetByRef retrieves the record indexed by a reference-number key.
func (s *Store) GetByRef(ctx context.Context, refKey string) (*storage.Record, error) {
	s.mu.RLock()
	key, ok := s.byRef[refKey]
	s.mu.RUnlock()
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return s.Get(ctx, key)
}

// Reap removes expired records and their index entries.
func (s *Store) Reap(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, rec := range s.records {
		if rec.Expired(now) {
			if rec.TokenKey != "" {
				delete(s.byToken, rec.TokenKey)
			}
			if rec.RefKey != "" {
				delete(s.byRef, rec.RefKey)
			}
			delete(s.records, key)
		}
	}
	return nil
}

// StartReaper starts a background goroutine that periodically removes
// expired records. The goroutine is stopped when Close is called.
func (s *Store) StartReaper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Reap(ctx)
			}
		}
	}()
}

// Close stops the reaper goroutine and waits for it to exit.
// It is safe to call Close even if StartReaper was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func copyRecord(rec *storage.Record) *storage.Record {
	out := *rec
	out.Data = make([]byte, len(rec.Data))
	copy(out.Data, rec.Data)
	return &out
}

// Verify interface compliance.
var _ storage.Store = (*Store)(nil)
