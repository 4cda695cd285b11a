package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveCall(t *testing.T) {
	before := testutil.ToFloat64(CallsTotal.WithLabelValues("host", "print", "error"))
	ObserveCall("host", "print", time.Now(), errors.New("boom"))
	require.Equal(t, before+1, testutil.ToFloat64(CallsTotal.WithLabelValues("host", "print", "error")))
}

func TestRefObserver(t *testing.T) {
	observe := RefObserver("receive")
	hits := testutil.ToFloat64(RefLookups.WithLabelValues("receive", "Dependency", "hit"))
	observe("Dependency", true)
	observe("Dependency", false)
	require.Equal(t, hits+1, testutil.ToFloat64(RefLookups.WithLabelValues("receive", "Dependency", "hit")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	StateTransitions.WithLabelValues("Ready").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "lstrpc_session_state_transitions_total"))
	require.True(t, strings.Contains(string(body), "lstrpc_uptime_seconds"))
}
