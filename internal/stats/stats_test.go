package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(MessagesSent)
	su.Run()

	su.Incr(MessagesSent)
	su.Incr(MessagesSent)
	su.Decr(MessagesSent)
	// unknown metrics are ignored rather than crashing the updater
	su.Incr("NotRegistered")

	assert.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			return false
		}
		v, ok := body[MessagesSent].(float64)
		return ok && v == 1
	}, time.Second, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, "Uptime")

	su.Stop()
}
