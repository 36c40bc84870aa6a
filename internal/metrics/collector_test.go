package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("tripsage", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("POST", "/api/v1/chat", 200, 100*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/v1/chat", 201, 50*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/v1/chat", 503, 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/chat", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/chat", "5xx")))
}

func TestCollector_Turns(t *testing.T) {
	c, _ := newTestCollector(t)

	c.TurnStarted()
	c.TurnStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.turnsActive))

	c.RecordTurn("flight_agent", "ok", 20*time.Millisecond)
	c.RecordTurn("general_agent", "cancelled", 5*time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.turnsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("flight_agent", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("general_agent", "cancelled")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.turnDuration))
}

func TestCollector_OrchestrationEvents(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordNode("flight_agent", "error", time.Millisecond)
	c.RecordNode("flight_agent", "ok", time.Millisecond)
	c.RecordRouting("flight_agent", "domain")
	c.RecordHandoff("flight_agent", "flight_backup_agent", "ERROR_RECOVERY")
	c.RecordRecovery("flight_agent", "retry")
	c.RecordRecovery("flight_agent", "fallback")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeExecutionsTotal.WithLabelValues("flight_agent", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.routingDecisions.WithLabelValues("flight_agent", "domain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("flight_agent", "flight_backup_agent", "ERROR_RECOVERY")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.recoveryActions))
}

func TestCollector_RecordCheckpoint(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCheckpoint("save", time.Millisecond, nil)
	c.RecordCheckpoint("save", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointOpsTotal.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointOpsTotal.WithLabelValues("save", "error")))
}

func TestCollector_Cache(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCacheHit("search")
	c.RecordCacheMiss("search")
	c.RecordCacheMiss("search")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("search")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("search")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TurnStarted()
		c.RecordTurn("a", "ok", time.Second)
		c.RecordNode("a", "ok", time.Second)
		c.RecordRouting("a", "domain")
		c.RecordHandoff("a", "b", "x")
		c.RecordRecovery("a", "retry")
		c.RecordCheckpoint("save", time.Second, nil)
		c.RecordHTTPRequest("GET", "/", 200, time.Second)
		c.RecordCacheHit("x")
		c.RecordCacheMiss("x")
	})
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// 同名命名空间注册到不同注册表不冲突
	assert.NotPanics(t, func() {
		newTestCollector(t)
		newTestCollector(t)
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c, reg := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TurnStarted()
			c.RecordNode("budget_agent", "ok", time.Millisecond)
			c.RecordTurn("budget_agent", "ok", time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("budget_agent", "ok")))
	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(500))
	assert.Equal(t, "unknown", statusCode(0))
}
