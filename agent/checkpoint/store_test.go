package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/database"
	"github.com/BaSui01/tripsage/types"
)

// =============================================================================
// 🧪 通用存储契约
// =============================================================================

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func sampleState(t *testing.T, sessionID string) *state.ConversationState {
	t.Helper()
	s := state.New(sessionID, "user-1", testNow)
	s.AppendMessage(state.Message{Role: state.RoleUser, Content: "Find flights from SFO to JFK", Timestamp: testNow})
	_, err := s.AppendResult(state.DomainResult{
		Domain:    state.DomainFlights,
		Agent:     state.AgentFlight,
		Timestamp: testNow,
		Query:     map[string]any{"origin": "SFO", "destination": "JFK"},
		Data:      map[string]any{"count": float64(2)},
		Summary:   "Found 2 flights",
	})
	require.NoError(t, err)
	s.UserPreferences["seat"] = "aisle"
	s.CompleteTurn(state.AgentFlight, testNow)
	return s
}

type storeFactory func(t *testing.T, limit int) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, limit int) Store {
			return NewMemoryStore(limit)
		},
		"file": func(t *testing.T, limit int) Store {
			s, err := NewFileStore(t.TempDir(), limit)
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T, limit int) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, RedisStoreConfig{KeyPrefix: "test:cp:", HistoryLimit: limit}, zap.NewNop())
		},
		"sql": func(t *testing.T, limit int) Store {
			pool, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = pool.Close() })
			s, err := NewSQLStore(pool, limit, zap.NewNop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStores_SaveLoadRoundTrip(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 5)
			defer store.Close()
			ctx := context.Background()

			s := sampleState(t, "sess-1")
			require.NoError(t, store.Save(ctx, "sess-1", s))
			assert.Equal(t, int64(1), s.Version)

			loaded, err := store.Load(ctx, "sess-1")
			require.NoError(t, err)
			assert.True(t, state.Equal(s, loaded), "loaded state differs from saved state")
			assert.Equal(t, "aisle", loaded.UserPreferences["seat"])
			assert.Len(t, loaded.DomainResults[state.DomainFlights], 1)

			loaded.Messages = append(loaded.Messages, state.Message{Role: state.RoleUser, Content: "mutated"})
			again, err := store.Load(ctx, "sess-1")
			require.NoError(t, err)
			assert.Len(t, again.Messages, 1)
		})
	}
}

func TestStores_NotFound(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 5)
			defer store.Close()

			_, err := store.Load(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.History(context.Background(), "missing", 3)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStores_VersionsAndHistory(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 3)
			defer store.Close()
			ctx := context.Background()

			s := sampleState(t, "sess-h")
			for i := 0; i < 5; i++ {
				s.AppendMessage(state.Message{Role: state.RoleAssistant, Content: "reply", Timestamp: testNow})
				require.NoError(t, store.Save(ctx, "sess-h", s))
			}
			assert.Equal(t, int64(5), s.Version)

			history, err := store.History(ctx, "sess-h", 0)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, int64(5), history[0].Version)
			assert.Equal(t, int64(4), history[1].Version)
			assert.Equal(t, int64(3), history[2].Version)
			assert.Len(t, history[2].State.Messages, len(s.Messages)-2)

			top, err := store.History(ctx, "sess-h", 1)
			require.NoError(t, err)
			require.Len(t, top, 1)
			assert.True(t, state.Equal(s, top[0].State))
		})
	}
}

func TestStores_Delete(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 3)
			defer store.Close()
			ctx := context.Background()

			s := sampleState(t, "sess-d")
			require.NoError(t, store.Save(ctx, "sess-d", s))
			require.NoError(t, store.Save(ctx, "sess-d", s))
			require.NoError(t, store.Delete(ctx, "sess-d"))

			_, err := store.Load(ctx, "sess-d")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.History(ctx, "sess-d", 0)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, store.Delete(ctx, "never-existed"))
		})
	}
}

func TestStores_SessionsAreIsolated(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 3)
			defer store.Close()
			ctx := context.Background()

			a := sampleState(t, "sess-a")
			b := state.New("sess-b", "user-2", testNow)
			require.NoError(t, store.Save(ctx, "sess-a", a))
			require.NoError(t, store.Save(ctx, "sess-b", b))

			loaded, err := store.Load(ctx, "sess-b")
			require.NoError(t, err)
			assert.Equal(t, "user-2", loaded.UserID)
			assert.Empty(t, loaded.Messages)
		})
	}
}

func TestStores_RejectsMismatchedSession(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 3)
			defer store.Close()

			s := sampleState(t, "sess-x")
			err := store.Save(context.Background(), "other", s)
			assert.Error(t, err)
			assert.Equal(t, int64(0), s.Version)
		})
	}
}

func TestStores_Closed(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t, 3)
			require.NoError(t, store.Close())

			assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)
			assert.ErrorIs(t, store.Save(context.Background(), "s", sampleState(t, "s")), ErrStoreClosed)
			_, err := store.Load(context.Background(), "s")
			assert.ErrorIs(t, err, ErrStoreClosed)
		})
	}
}

// =============================================================================
// 🧪 后端细节
// =============================================================================

func TestFileStore_AtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 2)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), "a/b", sampleState(t, "a/b")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a%2Fb.json", entries[0].Name())
	assert.NoFileExists(t, filepath.Join(dir, "a%2Fb.json.tmp"))
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	_, err = store.Load(context.Background(), "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TTLAndKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, RedisStoreConfig{KeyPrefix: "cp:", TTL: time.Hour, HistoryLimit: 2}, nil)
	s := sampleState(t, "s1")
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(context.Background(), "s1", s))
	}

	assert.True(t, mr.Exists("cp:s1"))
	assert.Equal(t, time.Hour, mr.TTL("cp:s1"))
	assert.False(t, mr.Exists("cp:s1:v:1"))
	assert.True(t, mr.Exists("cp:s1:v:2"))
	assert.True(t, mr.Exists("cp:s1:v:3"))

	members, err := mr.ZMembers("cp:s1:versions")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "3"}, members)
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewRedisStore(client, RedisStoreConfig{KeyPrefix: "cp:", HistoryLimit: 2}, nil)

	mr.Close()
	s := sampleState(t, "s1")
	assert.Error(t, store.Save(context.Background(), "s1", s))
	assert.Equal(t, int64(0), s.Version)
	assert.Error(t, store.Ping(context.Background()))
}

func TestMongoStore_Integration(t *testing.T) {
	uri := os.Getenv("TRIPSAGE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TRIPSAGE_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := NewMongoStore(ctx, config.MongoConfig{
		URI:        uri,
		Database:   "tripsage_test",
		Collection: "checkpoints_" + time.Now().Format("150405"),
		Timeout:    5 * time.Second,
	}, 2, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	s := sampleState(t, "mongo-1")
	require.NoError(t, store.Save(ctx, "mongo-1", s))
	require.NoError(t, store.Save(ctx, "mongo-1", s))
	require.NoError(t, store.Save(ctx, "mongo-1", s))

	loaded, err := store.Load(ctx, "mongo-1")
	require.NoError(t, err)
	assert.True(t, state.Equal(s, loaded))

	history, err := store.History(ctx, "mongo-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, store.Delete(ctx, "mongo-1"))
	_, err = store.Load(ctx, "mongo-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// 🧪 重试与工厂
// =============================================================================

type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, id string, s *state.ConversationState) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.Save(ctx, id, s)
}

func fastRetry(n int) config.RetryConfig {
	return config.RetryConfig{MaxRetries: n, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryingStore_RecoversFromTransientFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(3)}
	inner.failures.Store(2)

	var observed []string
	store := NewRetryingStore(inner, fastRetry(3), zap.NewNop()).
		WithObserver(func(op string, _ time.Duration, err error) {
			if err == nil {
				observed = append(observed, op)
			}
		})

	s := sampleState(t, "r1")
	require.NoError(t, store.Save(context.Background(), "r1", s))
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, []string{"save"}, observed)
}

func TestRetryingStore_ExhaustedIsPersistenceFailure(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(3)}
	inner.failures.Store(100)
	store := NewRetryingStore(inner, fastRetry(2), nil)

	s := sampleState(t, "r2")
	err := store.Save(context.Background(), "r2", s)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPersistenceFailure))
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, int64(0), s.Version)
}

func TestRetryingStore_NotFoundPassesThrough(t *testing.T) {
	inner := NewMemoryStore(3)
	store := NewRetryingStore(inner, fastRetry(3), nil)

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, types.IsCode(err, types.ErrPersistenceFailure))
	assert.Same(t, Store(inner), store.Unwrap())
}

// flakyReadStore 前 failures 次读取失败
type flakyReadStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyReadStore) Load(ctx context.Context, id string) (*state.ConversationState, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("i/o timeout")
	}
	return f.MemoryStore.Load(ctx, id)
}

func (f *flakyReadStore) History(ctx context.Context, id string, limit int) ([]Snapshot, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("i/o timeout")
	}
	return f.MemoryStore.History(ctx, id, limit)
}

func TestRetryingStore_ReadsReturnValueAfterRetry(t *testing.T) {
	ctx := context.Background()
	inner := &flakyReadStore{MemoryStore: NewMemoryStore(3)}
	store := NewRetryingStore(inner, fastRetry(3), nil)
	require.NoError(t, store.Save(ctx, "r3", sampleState(t, "r3")))

	inner.failures.Store(2)
	loaded, err := store.Load(ctx, "r3")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "r3", loaded.SessionID)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, int32(3), inner.calls.Load())

	inner.calls.Store(0)
	inner.failures.Store(1)
	snaps, err := store.History(ctx, "r3", 5)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, int32(2), inner.calls.Load())

	inner.failures.Store(100)
	loaded, err = store.Load(ctx, "r3")
	assert.Nil(t, loaded)
	assert.True(t, types.IsCode(err, types.ErrPersistenceFailure))
}

func TestNewStore_Types(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	store, err := NewStore(ctx, cfg, Deps{}, nil)
	require.NoError(t, err)
	_, ok := store.Unwrap().(*MemoryStore)
	assert.True(t, ok)

	cfg.Checkpoint.Type = "file"
	cfg.Checkpoint.BaseDir = t.TempDir()
	store, err = NewStore(ctx, cfg, Deps{}, nil)
	require.NoError(t, err)
	_, ok = store.Unwrap().(*FileStore)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	cfg.Checkpoint.Type = "redis"
	cfg.Redis.Addr = mr.Addr()
	store, err = NewStore(ctx, cfg, Deps{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())

	cfg.Checkpoint.Type = "sql"
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}
	store, err = NewStore(ctx, cfg, Deps{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "f1", sampleState(t, "f1")))
	require.NoError(t, store.Close())

	cfg.Checkpoint.Type = "cassandra"
	_, err = NewStore(ctx, cfg, Deps{}, nil)
	assert.Error(t, err)
}
