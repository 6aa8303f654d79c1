package cost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is a fixed window start so bucket assertions are deterministic.
var base = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func seedRecord(ts time.Time, tenant, op string, costUSD float64) Record {
	return Record{
		Timestamp: ts,
		Operation: op,
		TenantID:  tenant,
		Provider:  "openai",
		Model:     "gpt-4o",
		Usage:     Usage{PromptTokens: 100, CompletionTokens: 50},
		Cost:      costUSD,
		Duration:  time.Second,
	}
}

func TestTrackOperationRecordsUsageAndCost(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())

	usage, err := tracker.TrackOperation(context.Background(), OperationMetadata{
		Operation: "k8s.describe", TenantID: "acme", Provider: "openai", Model: "gpt-4o",
	}, func(context.Context) (Usage, error) {
		return Usage{PromptTokens: 1000, CompletionTokens: 200}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1200, usage.Total())

	records := tracker.Records(time.Time{}, time.Now().Add(time.Minute))
	require.Len(t, records, 1)
	wantCost := 1000*0.0000025 + 200*0.00001
	assert.InDelta(t, wantCost, records[0].Cost, 1e-12)
	assert.NotZero(t, records[0].Duration)
}

func TestTrackOperationRecordsFailures(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())

	_, err := tracker.TrackOperation(context.Background(), OperationMetadata{
		Operation: "k8s.apply", Provider: "openai", Model: "gpt-4o",
	}, func(context.Context) (Usage, error) {
		return Usage{PromptTokens: 10}, errors.New("boom")
	})
	require.Error(t, err)

	// failed invocations still count toward spend
	records := tracker.Records(time.Time{}, time.Now().Add(time.Minute))
	assert.Len(t, records, 1)
}

func TestSpikeAnomalyCriticalAtSixTimesBaseline(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())

	// baseline: cost c in each of 10 hours, spike of 6c in one hour
	const c = 0.10
	for hour := 0; hour < 10; hour++ {
		tracker.append(seedRecord(base.Add(time.Duration(hour)*time.Hour), "acme", "op", c))
	}
	tracker.append(seedRecord(base.Add(10*time.Hour), "acme", "op", 6*c))

	report := tracker.AttributeCosts(base, base.Add(24*time.Hour), AttributionOptions{})

	var spike *Anomaly
	for i := range report.Anomalies {
		if report.Anomalies[i].Type == AnomalySpike {
			spike = &report.Anomalies[i]
		}
	}
	require.NotNil(t, spike)
	assert.Equal(t, SeverityCritical, spike.Severity)
	assert.Equal(t, 10, spike.HourOfDay)
	assert.InDelta(t, c, spike.Baseline, 1e-9)
}

func TestSpikeSeverityTiers(t *testing.T) {
	cases := []struct {
		multiplier float64
		severity   string
	}{
		{2.5, SeverityMedium},
		{3.5, SeverityHigh},
		{5.5, SeverityCritical},
	}
	for _, tc := range cases {
		tracker := NewTracker(DefaultPriceBook())
		const c = 0.10
		for hour := 0; hour < 10; hour++ {
			tracker.append(seedRecord(base.Add(time.Duration(hour)*time.Hour), "acme", "op", c))
		}
		tracker.append(seedRecord(base.Add(10*time.Hour), "acme", "op", tc.multiplier*c))

		report := tracker.AttributeCosts(base, base.Add(24*time.Hour), AttributionOptions{})

		found := false
		for _, a := range report.Anomalies {
			if a.Type == AnomalySpike {
				assert.Equal(t, tc.severity, a.Severity, "multiplier %v", tc.multiplier)
				found = true
			}
		}
		assert.True(t, found, "multiplier %v should fire a spike", tc.multiplier)
	}
}

func TestTenantConcentrationAnomaly(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())
	tracker.append(seedRecord(base, "whale", "op", 0.80))
	tracker.append(seedRecord(base.Add(time.Hour), "minnow", "op", 0.10))

	report := tracker.AttributeCosts(base, base.Add(24*time.Hour), AttributionOptions{IncludeTenants: true})

	var pattern *Anomaly
	for i := range report.Anomalies {
		if report.Anomalies[i].Type == AnomalyUnusualPattern {
			pattern = &report.Anomalies[i]
		}
	}
	require.NotNil(t, pattern)
	assert.Equal(t, "whale", pattern.TenantID)
	assert.Equal(t, SeverityHigh, pattern.Severity) // 89% > 75%
}

func TestAttributionBreakdowns(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())
	tracker.append(seedRecord(base.Add(3*time.Hour), "acme", "k8s.describe", 0.20))
	tracker.append(seedRecord(base.Add(3*time.Hour+10*time.Minute), "acme", "k8s.describe", 0.30))
	tracker.append(seedRecord(base.Add(26*time.Hour), "globex", "fs.write", 0.50))

	report := tracker.AttributeCosts(base, base.Add(48*time.Hour), AttributionOptions{IncludeTenants: true})

	assert.InDelta(t, 1.0, report.TotalCost, 1e-9)
	assert.InDelta(t, 0.5, report.ByTenant["acme"], 1e-9)
	assert.InDelta(t, 0.5, report.ByHour[3], 1e-9) // both acme records land in hour 3
	assert.InDelta(t, 0.5, report.ByHour[2], 1e-9) // 26h = day 2, hour 2
	assert.InDelta(t, 0.5, report.ByDay["2026-07-01"], 1e-9)
	assert.InDelta(t, 0.5, report.ByDay["2026-07-02"], 1e-9)
	assert.Equal(t, 2, report.ByOperation["k8s.describe"].Count)
	assert.InDelta(t, 1.0, report.ByProviderModel["openai/gpt-4o"], 1e-9)
	require.Len(t, report.TopSpenders, 2)
}

func TestCacheRecommendationForHotOperation(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())
	for i := 0; i < 101; i++ {
		// spread across hours so the burst rule does not also fire
		tracker.append(seedRecord(base.Add(time.Duration(i)*time.Hour), "acme", "hot.op", 0.01))
	}

	report := tracker.AttributeCosts(base, base.Add(200*time.Hour), AttributionOptions{IncludeRecommendations: true})

	var cacheRec *Recommendation
	for i := range report.Recommendations {
		if report.Recommendations[i].Type == RecommendCache {
			cacheRec = &report.Recommendations[i]
		}
	}
	require.NotNil(t, cacheRec)
	assert.Equal(t, "hot.op", cacheRec.Operation)
	assert.InDelta(t, 101*0.01*0.7, cacheRec.EstimatedSavings, 1e-9)
}

func TestBatchingRecommendationForBurst(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())
	for i := 0; i < 6; i++ {
		tracker.append(seedRecord(base.Add(time.Duration(i)*time.Second), "acme", "bursty.op", 0.05))
	}

	report := tracker.AttributeCosts(base, base.Add(time.Hour), AttributionOptions{IncludeRecommendations: true})

	var batchRec *Recommendation
	for i := range report.Recommendations {
		if report.Recommendations[i].Type == RecommendBatching {
			batchRec = &report.Recommendations[i]
		}
	}
	require.NotNil(t, batchRec)
	assert.InDelta(t, 6*0.05*0.4, batchRec.EstimatedSavings, 1e-9)
}

func TestModelDowngradeRecommendation(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())
	for i := 0; i < 3; i++ {
		r := seedRecord(base.Add(time.Duration(i)*time.Hour), "acme", "tiny.op", 0.10)
		r.Provider, r.Model = "anthropic", "claude-opus-4"
		r.Usage = Usage{PromptTokens: 100, CompletionTokens: 50} // well under 500 avg
		tracker.append(r)
	}

	report := tracker.AttributeCosts(base, base.Add(time.Hour*24), AttributionOptions{IncludeRecommendations: true})

	var downgrade *Recommendation
	for i := range report.Recommendations {
		if report.Recommendations[i].Type == RecommendModelDowngrade {
			downgrade = &report.Recommendations[i]
		}
	}
	require.NotNil(t, downgrade)
	assert.Equal(t, "anthropic/claude-opus-4", downgrade.Model)
}

func TestRecommendationsSortedBySavings(t *testing.T) {
	tracker := NewTracker(DefaultPriceBook())
	// hot cache candidate with big spend
	for i := 0; i < 101; i++ {
		tracker.append(seedRecord(base.Add(time.Duration(i)*time.Hour), "acme", "hot.op", 0.10))
	}
	// small burst candidate
	for i := 0; i < 6; i++ {
		tracker.append(seedRecord(base.Add(time.Duration(i)*time.Second), "acme", "bursty.op", 0.01))
	}

	report := tracker.AttributeCosts(base, base.Add(200*time.Hour), AttributionOptions{IncludeRecommendations: true})
	require.GreaterOrEqual(t, len(report.Recommendations), 2)
	for i := 1; i < len(report.Recommendations); i++ {
		assert.GreaterOrEqual(t,
			report.Recommendations[i-1].EstimatedSavings,
			report.Recommendations[i].EstimatedSavings)
	}
}
