package artifact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/doccraft/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue sums every series of the family starting with prefix whose
// labels include the given pairs.
func metricValue(t *testing.T, prefix string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var total float64

	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}

	series:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}

			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}

			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}

	return total
}

func TestManager_SweepDuringStreamCountsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: true, ServiceName: "doccraft-test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	f := newFixture(t, time.Minute, WithTelemetry(tel))

	desc, err := f.manager.Publish(ctx, []byte("hello"), "x.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, float64(1), metricValue(t, "artifacts_active", nil))

	rec, err := f.manager.Redeem(ctx, desc.ID)
	require.NoError(t, err)

	// The reaper takes the consumed entry while the download is still streaming.
	assert.Equal(t, 1, f.manager.Reap(ctx))

	f.manager.Release(ctx, rec)

	assert.Equal(t, float64(0), metricValue(t, "artifacts_active", nil))
	assert.Equal(t, float64(1), metricValue(t, "artifacts_reclaimed", map[string]string{"reason": "swept"}))
	assert.Zero(t, metricValue(t, "artifacts_reclaimed", map[string]string{"reason": "released"}))

	// Without a sweep in between the release is what counts.
	desc, err = f.manager.Publish(ctx, []byte("hello"), "y.pdf", "application/pdf")
	require.NoError(t, err)

	rec, err = f.manager.Redeem(ctx, desc.ID)
	require.NoError(t, err)

	f.manager.Release(ctx, rec)

	assert.Equal(t, float64(0), metricValue(t, "artifacts_active", nil))
	assert.Equal(t, float64(1), metricValue(t, "artifacts_reclaimed", map[string]string{"reason": "released"}))
	assert.Equal(t, float64(1), metricValue(t, "artifacts_reclaimed", map[string]string{"reason": "swept"}))
}
