package repo

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridconsent/internal/db"
	"gridconsent/internal/domain"
	"gridconsent/internal/events"
	"gridconsent/internal/migrate"
	"gridconsent/internal/outbox"
)

type nopEmitter struct{}

func (nopEmitter) Emit(domain.Event) error { return nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func created(id string) domain.Event {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.CreatedEvent(id, "sim", "conn", "dn", "mp", start, start.AddDate(0, 1, 0), domain.GranularityPT1H)
}

func setup(t *testing.T, opts Options) (*Repo, *outbox.Outbox, *events.MemoryStore) {
	t.Helper()
	store := events.NewMemoryStore()
	opts.Logger = quiet()
	r, err := New(store, opts)
	require.NoError(t, err)
	ob := outbox.New(store, nopEmitter{}, outbox.Options{Logger: quiet(), Callbacks: []outbox.Callback{r.Apply}})
	return r, ob, store
}

func TestGetReflectsCommitsImmediately(t *testing.T) {
	r, ob, _ := setup(t, Options{})
	ctx := context.Background()

	_, err := r.Get(ctx, "p1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ob.Commit(ctx, created("p1"))
	require.NoError(t, err)
	pr, err := r.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, pr.Status)

	_, err = ob.Commit(ctx, domain.StatusEvent("p1", domain.EventValidated, ""))
	require.NoError(t, err)
	_, err = ob.Commit(ctx, domain.ExternalIDReceivedEvent("p1", "ext-1"))
	require.NoError(t, err)

	pr, err = r.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, pr.Status)
	assert.Equal(t, "ext-1", pr.ExternalID)
	assert.EqualValues(t, 3, pr.Version)
}

func TestCacheMatchesReplay(t *testing.T) {
	r, ob, store := setup(t, Options{CacheSize: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := ob.Commit(ctx, created(id))
		require.NoError(t, err)
		_, err = ob.Commit(ctx, domain.StatusEvent(id, domain.EventValidated, ""))
		require.NoError(t, err)
	}
	fresh, err := New(store, Options{Logger: quiet()})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		cached, err := r.Get(ctx, id)
		require.NoError(t, err)
		replayed, err := fresh.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, replayed, cached)
	}
}

func TestApplyOutOfOrderInvalidates(t *testing.T) {
	r, ob, _ := setup(t, Options{})
	ctx := context.Background()
	_, err := ob.Commit(ctx, created("p1"))
	require.NoError(t, err)

	r.Apply(ctx, domain.Event{PermissionID: "p1", Type: domain.EventValidated, Seq: 7})
	_, ok := r.local.Get("p1")
	assert.False(t, ok)

	pr, err := r.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, pr.Status)
}

// pausingStore blocks the next stream read after it has loaded, until
// released.
type pausingStore struct {
	*events.MemoryStore
	mu      sync.Mutex
	armed   bool
	loaded  chan struct{}
	release chan struct{}
}

func (s *pausingStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.loaded = make(chan struct{})
	s.release = make(chan struct{})
}

func (s *pausingStore) FindByPermissionID(ctx context.Context, id string) ([]domain.Event, error) {
	stream, err := s.MemoryStore.FindByPermissionID(ctx, id)
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		close(s.loaded)
		<-s.release
	}
	return stream, err
}

func TestColdReadRacingCommitDoesNotCacheStaleStatus(t *testing.T) {
	mem := events.NewMemoryStore()
	store := &pausingStore{MemoryStore: mem}
	r, err := New(store, Options{Logger: quiet()})
	require.NoError(t, err)
	ob := outbox.New(mem, nopEmitter{}, outbox.Options{Logger: quiet(), Callbacks: []outbox.Callback{r.Apply}})
	ctx := context.Background()

	_, err = ob.Commit(ctx, created("p1"))
	require.NoError(t, err)
	r.Invalidate(ctx, "p1")

	store.arm()
	type result struct {
		pr  domain.PermissionRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		pr, err := r.Get(ctx, "p1")
		done <- result{pr, err}
	}()
	<-store.loaded

	_, err = ob.Commit(ctx, domain.StatusEvent("p1", domain.EventValidated, ""))
	require.NoError(t, err)
	close(store.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.StatusValidated, res.pr.Status)

	pr, err := r.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, pr.Status)
	assert.EqualValues(t, 2, pr.Version)
	assert.Empty(t, r.fills)
}

func TestListByStatusAndHistory(t *testing.T) {
	r, ob, _ := setup(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := ob.Commit(ctx, created(id))
		require.NoError(t, err)
	}
	_, err := ob.Commit(ctx, domain.StatusEvent("b", domain.EventValidated, ""))
	require.NoError(t, err)

	list, err := r.ListByStatus(ctx, domain.StatusValidated)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].PermissionID)

	hist, err := r.History(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	_, err = r.History(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	msg, err := r.LatestStatusMessage(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, msg.Status)
	assert.Equal(t, "conn", msg.ConnectionID)
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.sets++
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestSharedCacheServesOtherProcesses(t *testing.T) {
	fake := &fakeRedis{data: map[string]string{}}
	shared := newRedisCache(fake, "", 0)
	r, ob, store := setup(t, Options{Shared: shared})
	ctx := context.Background()
	_, err := ob.Commit(ctx, created("p1"))
	require.NoError(t, err)
	require.Contains(t, fake.data, "gridconsent:pr:p1")

	other, err := New(store, Options{Shared: shared, Logger: quiet()})
	require.NoError(t, err)
	pr, err := other.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, pr.Status)

	// a stale shared entry is ignored once the stream moved on
	_, err = ob.Commit(ctx, domain.StatusEvent("p1", domain.EventValidated, ""))
	require.NoError(t, err)
	fake.data["gridconsent:pr:p1"] = `{"permission_id":"p1","status":"CREATED","version":1}`
	third, err := New(store, Options{Shared: shared, Logger: quiet()})
	require.NoError(t, err)
	pr, err = third.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, pr.Status)

	r.Invalidate(ctx, "p1")
	assert.NotContains(t, fake.data, "gridconsent:pr:p1")
}

func TestCredentialsSQLite(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	creds := NewSQLCredentials(conn, db.SQLite)
	ctx := context.Background()

	_, err = creds.Get(ctx, "p1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, creds.Put(ctx, Credential{PermissionID: "p1", Username: "u", Secret: "s"}))
	require.NoError(t, creds.Put(ctx, Credential{PermissionID: "p1", Username: "u2", Secret: "s2"}))
	c, err := creds.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "u2", c.Username)
	assert.Equal(t, "s2", c.Secret)

	require.NoError(t, creds.Delete(ctx, "p1"))
	require.NoError(t, creds.Delete(ctx, "p1"))
	_, err = creds.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}
