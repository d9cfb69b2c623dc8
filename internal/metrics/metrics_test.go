package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.AddCoresHeld(2)
		r.CampaignStarted()
		r.CampaignFinished("aflpp", OutcomeCompleted)
		r.LockRetry()
		r.BuildFailed("aflpp")
		r.SetCoverageTracked(3)
		r.CoverageStarted()
		r.CoverageStartFailed()
		r.CoverageStopped()
		r.SlotReaped()
	})
}

func TestRegistry_Records(t *testing.T) {
	r := New()
	r.AddCoresHeld(4)
	r.AddCoresHeld(-1)
	r.CampaignStarted()
	r.CampaignStarted()
	r.CampaignFinished("aflpp", OutcomeRunFailed)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.coresHeld))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.campaignsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.campaignOutcomes.WithLabelValues("aflpp", OutcomeRunFailed)))
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.SlotReaped()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "captain_slots_reaped_total 1"))
}
