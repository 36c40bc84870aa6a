package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/cache"
	"github.com/BaSui01/tripsage/types"
)

func TestBuilder_Build(t *testing.T) {
	reg, err := NewBuilder(zap.NewNop()).
		Register(FlightSearch, NewStaticSearchService(FlightSearch)).
		Register(BudgetEstimator, NewStaticSearchService(BudgetEstimator)).
		WithPreferences(NewMemoryPreferenceService()).
		Build()
	require.NoError(t, err)

	assert.True(t, reg.Has(FlightSearch))
	assert.False(t, reg.Has(FlightSearchBackup))
	assert.Equal(t, []ServiceName{BudgetEstimator, FlightSearch, Preferences}, reg.Names())
	assert.NotNil(t, reg.Preferences())

	_, err = reg.Search(context.Background(), FlightSearchBackup, state.DomainFlights, nil)
	assert.True(t, types.IsCode(err, types.ErrServiceNotAvailable))
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder(nil).
		Register(FlightSearch, NewStaticSearchService(FlightSearch)).
		Register(FlightSearch, NewStaticSearchService(FlightSearch)).
		Register(Preferences, NewStaticSearchService(Preferences)).
		Register(DestinationSearch, nil).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
	assert.Contains(t, err.Error(), "invalid search service name")
	assert.Contains(t, err.Error(), "nil service")
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	reg, err := NewBuilder(nil).Register(FlightSearch, NewStaticSearchService(FlightSearch)).Build()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := reg.Search(context.Background(), FlightSearch, state.DomainFlights,
				map[string]string{"origin": "SFO", "destination": "JFK", "date": "2025-06-01"})
			assert.NoError(t, err)
			assert.NotEmpty(t, recs)
		}()
	}
	wg.Wait()
}

func TestStaticSearchService(t *testing.T) {
	svc := NewStaticSearchService(FlightSearch)
	ctx := context.Background()
	params := map[string]string{"origin": "SFO", "destination": "JFK", "date": "2025-06-01"}

	first, err := svc.Search(ctx, state.DomainFlights, params)
	require.NoError(t, err)
	second, err := svc.Search(ctx, state.DomainFlights, params)
	require.NoError(t, err)
	assert.Equal(t, first, second, "static results are deterministic")
	assert.Len(t, first, 3)
	assert.Equal(t, "SFO", first[0]["origin"])

	t.Run("filters narrow the result set", func(t *testing.T) {
		filtered := map[string]string{"origin": "SFO", "destination": "JFK", "date": "2025-06-01", "max_price": "1", "stops": "0"}
		recs, err := svc.Search(ctx, state.DomainFlights, filtered)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("missing params", func(t *testing.T) {
		_, err := svc.Search(ctx, state.DomainFlights, map[string]string{"origin": "SFO"})
		assert.True(t, types.IsCode(err, types.ErrValidation))
	})

	t.Run("other domains", func(t *testing.T) {
		hotels, err := svc.Search(ctx, state.DomainAccommodations, map[string]string{"city": "New York"})
		require.NoError(t, err)
		assert.NotEmpty(t, hotels)

		dest, err := svc.Search(ctx, state.DomainDestinations, map[string]string{"city": "Lisbon"})
		require.NoError(t, err)
		assert.Equal(t, "Lisbon", dest[0]["city"])

		budget, err := svc.Search(ctx, state.DomainBudget, map[string]string{"days": "4", "flights_total": "600", "lodging_nightly": "150", "budget": "2000"})
		require.NoError(t, err)
		assert.Equal(t, 600.0+600.0+320.0, budget[0]["total"])
		assert.Equal(t, true, budget[0]["within_budget"])

		_, err = svc.Search(ctx, state.DomainItinerary, nil)
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := svc.Search(cctx, state.DomainFlights, params)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTimeoutService(t *testing.T) {
	slow := SearchFunc(func(ctx context.Context, _ state.Domain, _ map[string]string) ([]Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc := NewTimeoutService(FlightSearch, slow, 10*time.Millisecond)

	_, err := svc.Search(context.Background(), state.DomainFlights, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUpstreamTimeout))
	assert.True(t, types.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Search(ctx, state.DomainFlights, nil)
	assert.ErrorIs(t, err, context.Canceled)

	same := NewTimeoutService(FlightSearch, slow, 0)
	_, isFunc := same.(SearchFunc)
	assert.True(t, isFunc)
}

func TestBreakerService(t *testing.T) {
	var calls atomic.Int32
	failing := SearchFunc(func(context.Context, state.Domain, map[string]string) ([]Record, error) {
		calls.Add(1)
		return nil, types.NewServiceUnavailable("flight_search", errors.New("502"))
	})
	svc := NewBreakerService(FlightSearch, failing, BreakerSettings{
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := svc.Search(context.Background(), state.DomainFlights, nil)
		assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	}
	assert.Equal(t, gobreaker.StateOpen, svc.State())

	_, err := svc.Search(context.Background(), state.DomainFlights, nil)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int32(2), calls.Load(), "open circuit does not call through")
}

func TestBreakerService_ValidationDoesNotTrip(t *testing.T) {
	invalid := SearchFunc(func(context.Context, state.Domain, map[string]string) ([]Record, error) {
		return nil, types.NewValidationError("bad date")
	})
	svc := NewBreakerService(FlightSearch, invalid, BreakerSettings{ConsecutiveFailures: 1}, nil)
	for i := 0; i < 3; i++ {
		_, err := svc.Search(context.Background(), state.DomainFlights, nil)
		assert.True(t, types.IsCode(err, types.ErrValidation))
	}
	assert.Equal(t, gobreaker.StateClosed, svc.State())
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *cache.Manager, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, cache.NewManagerFromClient(client, cache.Config{KeyPrefix: "test:"}, zap.NewNop()), client
}

func TestCachedService(t *testing.T) {
	_, c, _ := newTestCache(t)
	var calls atomic.Int32
	release := make(chan struct{})
	backend := SearchFunc(func(context.Context, state.Domain, map[string]string) ([]Record, error) {
		calls.Add(1)
		<-release
		return []Record{{"carrier": "UA", "price": 300.0}}, nil
	})
	svc := NewCachedService(FlightSearch, backend, c, time.Minute, nil)
	params := map[string]string{"origin": "SFO", "destination": "JFK"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := svc.Search(context.Background(), state.DomainFlights, params)
			assert.NoError(t, err)
			assert.Len(t, recs, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	recs, err := svc.Search(context.Background(), state.DomainFlights, params)
	require.NoError(t, err)
	assert.Equal(t, "UA", recs[0]["carrier"])
	assert.LessOrEqual(t, calls.Load(), int32(5))
	before := calls.Load()

	_, err = svc.Search(context.Background(), state.DomainFlights, params)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "served from cache")
}

func TestParamsKey(t *testing.T) {
	a := ParamsKey(map[string]string{"origin": "SFO", "destination": "JFK"})
	b := ParamsKey(map[string]string{"destination": "JFK", "origin": "SFO"})
	c := ParamsKey(map[string]string{"origin": "SFO", "destination": "LAX"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHTTPSearchService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Params["mode"] {
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		case "invalid":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "date in the past"})
		case "garbage":
			_, _ = w.Write([]byte("<html>"))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []Record{{"domain": string(req.Domain), "origin": req.Params["origin"]}}})
		}
	}))
	defer srv.Close()

	svc := NewHTTPSearchService(FlightSearch, srv.URL, srv.Client())
	ctx := context.Background()

	recs, err := svc.Search(ctx, state.DomainFlights, map[string]string{"origin": "SFO"})
	require.NoError(t, err)
	assert.Equal(t, "flights", recs[0]["domain"])
	assert.Equal(t, "SFO", recs[0]["origin"])

	_, err = svc.Search(ctx, state.DomainFlights, map[string]string{"mode": "down"})
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	assert.True(t, types.IsRetryable(err))

	_, err = svc.Search(ctx, state.DomainFlights, map[string]string{"mode": "invalid"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Contains(t, err.Error(), "date in the past")

	_, err = svc.Search(ctx, state.DomainFlights, map[string]string{"mode": "garbage"})
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	assert.False(t, types.IsRetryable(err))

	dead := NewHTTPSearchService(FlightSearch, "http://127.0.0.1:1/search", nil)
	_, err = dead.Search(ctx, state.DomainFlights, nil)
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
}

func TestPreferenceServices(t *testing.T) {
	_, _, client := newTestCache(t)
	services := map[string]PreferenceService{
		"memory": NewMemoryPreferenceService(),
		"redis":  NewRedisPreferenceService(client, ""),
	}
	for name, svc := range services {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prefs, err := svc.GetPreferences(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, prefs)

			require.NoError(t, svc.SetPreferences(ctx, "u1", map[string]string{"seat": "window"}))
			require.NoError(t, svc.SetPreferences(ctx, "u1", map[string]string{"cabin": "economy"}))
			require.NoError(t, svc.SetPreferences(ctx, "u1", nil))

			prefs, err = svc.GetPreferences(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"seat": "window", "cabin": "economy"}, prefs)
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	_, c, client := newTestCache(t)
	cfg := config.DefaultServicesConfig()
	cfg.FlightSearchBackup.Backend = "static"
	cfg.FlightSearch.CacheTTL = time.Minute
	cfg.Preferences.Backend = "redis"

	reg, err := NewFromConfig(cfg, Deps{Redis: client, Cache: c}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, reg.Has(FlightSearch))
	assert.True(t, reg.Has(FlightSearchBackup))
	assert.False(t, reg.Has(AccommodationSearchBackup))
	assert.IsType(t, &RedisPreferenceService{}, reg.Preferences())

	svc, _ := reg.Lookup(FlightSearch)
	assert.IsType(t, &CachedService{}, svc)

	cfg.BudgetEstimator.Backend = "carrier-pigeon"
	_, err = NewFromConfig(cfg, Deps{Redis: client}, nil)
	assert.Error(t, err)

	cfg = config.DefaultServicesConfig()
	cfg.Preferences.Backend = "redis"
	_, err = NewFromConfig(cfg, Deps{}, nil)
	assert.Error(t, err)
}
