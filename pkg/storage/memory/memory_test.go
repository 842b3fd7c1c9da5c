package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specdraft/specdraft/pkg/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetPutRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := &storage.Record{Key: "session#abc", Data: []byte(`{"id":"abc"}`)}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "session#abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Data, got.Data)

	got, err = s.Get(ctx, "session#missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{Key: "k", Data: []byte("one")}))
	require.NoError(t, s.Put(ctx, &storage.Record{Key: "k", Data: []byte("two")}))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Data)
}

func TestGetReturnsACopy(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{Key: "k", Data: []byte("orig")}))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got.Data[0] = 'X'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), again.Data)
}

func TestQueryPrefixOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, seq := range []int{2, 0, 1} {
		key := storage.MessageKey("abc", seq)
		require.NoError(t, s.Put(ctx, &storage.Record{Key: key, Data: []byte(fmt.Sprint(seq))}))
	}
	require.NoError(t, s.Put(ctx, &storage.Record{Key: storage.SessionKey("abc"), Data: []byte("meta")}))
	require.NoError(t, s.Put(ctx, &storage.Record{Key: storage.MessageKey("other", 0), Data: []byte("x")}))

	recs, err := s.Query(ctx, storage.Query{Prefix: storage.MessagePrefix("abc")})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, []byte(fmt.Sprint(i)), rec.Data)
	}
}

func TestQueryDescendingWithLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for v := 1; v <= 12; v++ {
		require.NoError(t, s.Put(ctx, &storage.Record{
			Key:  storage.SpecKey("abc", v),
			Data: []byte(fmt.Sprint(v)),
		}))
	}

	recs, err := s.Query(ctx, storage.Query{
		Prefix:     storage.SpecPrefix("abc"),
		Descending: true,
		Limit:      1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	// zero-padded keys keep lexicographic order numeric past one digit
	assert.Equal(t, []byte("12"), recs[0].Data)
}

func TestTokenIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{
		Key:      storage.SessionKey("abc"),
		TokenKey: storage.TokenKey("tok-1"),
		Data:     []byte("meta"),
	}))

	got, err := s.GetByToken(ctx, storage.TokenKey("tok-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, storage.SessionKey("abc"), got.Key)

	got, err = s.GetByToken(ctx, storage.TokenKey("unknown"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenSupersession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	key := storage.SessionKey("abc")
	require.NoError(t, s.Put(ctx, &storage.Record{Key: key, TokenKey: storage.TokenKey("old"), Data: []byte("v1")}))
	require.NoError(t, s.Put(ctx, &storage.Record{Key: key, TokenKey: storage.TokenKey("new"), Data: []byte("v2")}))

	got, err := s.GetByToken(ctx, storage.TokenKey("old"))
	require.NoError(t, err)
	assert.Nil(t, got, "superseded token must stop resolving")

	got, err = s.GetByToken(ctx, storage.TokenKey("new"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v2"), got.Data)
}

func TestRefIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{
		Key:    storage.SubmissionKey("sub-1"),
		RefKey: storage.RefKey("SD-ABC23456"),
		Data:   []byte("sub"),
	}))

	got, err := s.GetByRef(ctx, storage.RefKey("SD-ABC23456"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, storage.SubmissionKey("sub-1"), got.Key)
}

func TestExpiredRecordsAreInvisible(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{
		Key:       "session#old",
		TokenKey:  storage.TokenKey("tok"),
		ExpiresAt: time.Now().Add(-time.Minute),
		Data:      []byte("gone"),
	}))
	require.NoError(t, s.Put(ctx, &storage.Record{
		Key:       "session#live",
		ExpiresAt: time.Now().Add(time.Hour),
		Data:      []byte("here"),
	}))

	got, err := s.Get(ctx, "session#old")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetByToken(ctx, storage.TokenKey("tok"))
	require.NoError(t, err)
	assert.Nil(t, got)

	recs, err := s.Query(ctx, storage.Query{Prefix: "session#"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "session#live", recs[0].Key)
}

func TestReap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &storage.Record{
		Key:       "session#old",
		ExpiresAt: time.Now().Add(-time.Minute),
		Data:      []byte("gone"),
	}))
	require.NoError(t, s.Put(ctx, &storage.Record{Key: "session#keep", Data: []byte("stay")}))

	require.NoError(t, s.Reap(ctx))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Len(t, s.records, 1)
	assert.Contains(t, s.records, "session#keep")
}

func TestStartReaperAndClose(t *testing.T) {
	s := New()
	s.StartReaper(10 * time.Millisecond)

	require.NoError(t, s.Put(context.Background(), &storage.Record{
		Key:       "session#old",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.records) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
}
