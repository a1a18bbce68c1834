package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectors(t *testing.T) {
	m := New()
	m.Query("block")
	m.Query("block")
	m.Query("forward")
	m.Upstream("192.0.2.53:53", 10*time.Millisecond, errors.New("timeout"))
	m.Sources(3, 1, 2)
	m.Rules("block", 42)
	m.Enforcement("applied", []string{"not_applied", "applied"})
	m.SyncRound(time.Second, 1)

	body := scrape(t, m)
	assert.Contains(t, body, `hostguard_tunnel_queries_total{verdict="block"} 2`)
	assert.Contains(t, body, `hostguard_tunnel_queries_total{verdict="forward"} 1`)
	assert.Contains(t, body, `hostguard_upstream_failures_total{upstream="192.0.2.53:53"} 1`)
	assert.Contains(t, body, `hostguard_sources{state="error"} 2`)
	assert.Contains(t, body, `hostguard_rules{kind="block"} 42`)
	assert.Contains(t, body, `hostguard_enforcement_state{state="applied"} 1`)
	assert.Contains(t, body, `hostguard_enforcement_state{state="not_applied"} 0`)
	assert.Contains(t, body, "hostguard_source_fetch_failures_total 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Query("block")
	m.SyncRound(time.Second, 3)
	m.Enforcement("applied", []string{"applied"})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
