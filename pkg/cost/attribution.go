package cost

import (
	"fmt"
	"sort"
	"time"
)

// Anomaly types and severities.
const (
	AnomalySpike          = "spike"
	AnomalyUnusualPattern = "unusual_pattern"

	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Recommendation types.
const (
	RecommendCache          = "cache"
	RecommendBatching       = "batching"
	RecommendModelDowngrade = "model_downgrade"
)

// AttributionOptions controls an AttributeCosts report.
type AttributionOptions struct {
	IncludeTenants         bool
	IncludeRecommendations bool
	// TopSpenderLimit bounds the per-tenant top-spender list (default 5).
	TopSpenderLimit int
	// AnomalyThreshold is the spike multiplier over baseline (default 2).
	AnomalyThreshold float64
}

// TenantSpend is one tenant's total in the window.
type TenantSpend struct {
	TenantID string  `json:"tenantId"`
	Cost     float64 `json:"cost"`
}

// OperationStats aggregates one operation's records.
type OperationStats struct {
	Count     int     `json:"count"`
	Cost      float64 `json:"cost"`
	AvgTokens float64 `json:"avgTokens"`
}

// Anomaly is one detected spend irregularity.
type Anomaly struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	HourOfDay   int     `json:"hourOfDay,omitempty"`
	TenantID    string  `json:"tenantId,omitempty"`
	Observed    float64 `json:"observed"`
	Baseline    float64 `json:"baseline"`
	Description string  `json:"description"`
}

// Recommendation is one cost-saving suggestion, sorted by savings.
type Recommendation struct {
	Type             string  `json:"type"`
	Operation        string  `json:"operation,omitempty"`
	Model            string  `json:"model,omitempty"`
	EstimatedSavings float64 `json:"estimatedSavings"`
	Description      string  `json:"description"`
}

// Report is the attribution output for one time window.
type Report struct {
	Start           time.Time                 `json:"start"`
	End             time.Time                 `json:"end"`
	TotalCost       float64                   `json:"totalCost"`
	ByTenant        map[string]float64        `json:"byTenant,omitempty"`
	TopSpenders     []TenantSpend             `json:"topSpenders,omitempty"`
	ByOperation     map[string]OperationStats `json:"byOperation"`
	ByProviderModel map[string]float64        `json:"byProviderModel"`
	// ByHour buckets spend into the 24 UTC hours of day.
	ByHour [24]float64 `json:"byHour"`
	// ByDay buckets spend by UTC date (YYYY-MM-DD).
	ByDay           map[string]float64 `json:"byDay"`
	Anomalies       []Anomaly          `json:"anomalies,omitempty"`
	Recommendations []Recommendation   `json:"recommendations,omitempty"`
}

// AttributeCosts builds the attribution report for records in [start, end).
func (t *Tracker) AttributeCosts(start, end time.Time, opts AttributionOptions) Report {
	if opts.TopSpenderLimit <= 0 {
		opts.TopSpenderLimit = 5
	}
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = 2
	}

	records := t.Records(start, end)

	report := Report{
		Start:           start,
		End:             end,
		ByOperation:     map[string]OperationStats{},
		ByProviderModel: map[string]float64{},
		ByDay:           map[string]float64{},
	}
	if opts.IncludeTenants {
		report.ByTenant = map[string]float64{}
	}

	hourlySpend := map[time.Time]float64{} // truncated to the hour, UTC
	opTokens := map[string]int{}

	for _, r := range records {
		report.TotalCost += r.Cost

		stats := report.ByOperation[r.Operation]
		stats.Count++
		stats.Cost += r.Cost
		report.ByOperation[r.Operation] = stats
		opTokens[r.Operation] += r.Usage.Total()

		report.ByProviderModel[Key(r.Provider, r.Model)] += r.Cost

		utc := r.Timestamp.UTC()
		report.ByHour[utc.Hour()] += r.Cost
		report.ByDay[utc.Format("2006-01-02")] += r.Cost
		hourlySpend[utc.Truncate(time.Hour)] += r.Cost

		if opts.IncludeTenants && r.TenantID != "" {
			report.ByTenant[r.TenantID] += r.Cost
		}
	}

	for op, stats := range report.ByOperation {
		if stats.Count > 0 {
			stats.AvgTokens = float64(opTokens[op]) / float64(stats.Count)
			report.ByOperation[op] = stats
		}
	}

	if opts.IncludeTenants {
		report.TopSpenders = topSpenders(report.ByTenant, opts.TopSpenderLimit)
	}

	report.Anomalies = detectAnomalies(hourlySpend, tenantTotals(records), report.TotalCost, opts.AnomalyThreshold)

	if opts.IncludeRecommendations {
		report.Recommendations = recommend(records, report.ByOperation, t.prices)
	}

	return report
}

func tenantTotals(records []Record) map[string]float64 {
	out := map[string]float64{}
	for _, r := range records {
		if r.TenantID != "" {
			out[r.TenantID] += r.Cost
		}
	}
	return out
}

func topSpenders(byTenant map[string]float64, limit int) []TenantSpend {
	out := make([]TenantSpend, 0, len(byTenant))
	for tenant, spend := range byTenant {
		out = append(out, TenantSpend{TenantID: tenant, Cost: spend})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// detectAnomalies finds hourly spikes against the median hourly spend
// (median, not mean, so one spike can't drag its own baseline up) and
// single-tenant concentration beyond half of total spend.
func detectAnomalies(hourlySpend map[time.Time]float64, byTenant map[string]float64, total float64, threshold float64) []Anomaly {
	var anomalies []Anomaly

	if len(hourlySpend) > 1 {
		values := make([]float64, 0, len(hourlySpend))
		for _, v := range hourlySpend {
			values = append(values, v)
		}
		baseline := median(values)
		if baseline > 0 {
			hours := make([]time.Time, 0, len(hourlySpend))
			for h := range hourlySpend {
				hours = append(hours, h)
			}
			sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

			for _, hour := range hours {
				observed := hourlySpend[hour]
				if observed <= threshold*baseline {
					continue
				}
				multiplier := observed / baseline
				severity := SeverityMedium
				switch {
				case multiplier > 5:
					severity = SeverityCritical
				case multiplier > 3:
					severity = SeverityHigh
				}
				anomalies = append(anomalies, Anomaly{
					Type:      AnomalySpike,
					Severity:  severity,
					HourOfDay: hour.Hour(),
					Observed:  observed,
					Baseline:  baseline,
					Description: fmt.Sprintf("hourly spend %.4f is %.1fx the median hourly baseline %.4f",
						observed, multiplier, baseline),
				})
			}
		}
	}

	if total > 0 {
		for tenant, spend := range byTenant {
			share := spend / total
			if share <= 0.5 {
				continue
			}
			severity := SeverityMedium
			if share > 0.75 {
				severity = SeverityHigh
			}
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyUnusualPattern,
				Severity: severity,
				TenantID: tenant,
				Observed: spend,
				Baseline: total,
				Description: fmt.Sprintf("tenant %s accounts for %.0f%% of total spend",
					tenant, share*100),
			})
		}
	}

	return anomalies
}

// recommend derives savings suggestions: cache hot operations, batch bursty
// ones, downgrade expensive models used for small completions.
func recommend(records []Record, byOperation map[string]OperationStats, prices PriceBook) []Recommendation {
	var recs []Recommendation

	for op, stats := range byOperation {
		if stats.Count > 100 {
			recs = append(recs, Recommendation{
				Type:             RecommendCache,
				Operation:        op,
				EstimatedSavings: stats.Cost * 0.7,
				Description: fmt.Sprintf("operation %s executed %d times in the window; cache repeated results",
					op, stats.Count),
			})
		}
	}

	// batching: any (minute-window, operation) with more than 5 records
	type minuteOp struct {
		minute time.Time
		op     string
	}
	burstCounts := map[minuteOp]int{}
	burstCost := map[string]float64{}
	for _, r := range records {
		key := minuteOp{minute: r.Timestamp.UTC().Truncate(time.Minute), op: r.Operation}
		burstCounts[key]++
	}
	burstyOps := map[string]bool{}
	for key, count := range burstCounts {
		if count > 5 {
			burstyOps[key.op] = true
		}
	}
	for _, r := range records {
		key := minuteOp{minute: r.Timestamp.UTC().Truncate(time.Minute), op: r.Operation}
		if burstCounts[key] > 5 {
			burstCost[r.Operation] += r.Cost
		}
	}
	for op := range burstyOps {
		recs = append(recs, Recommendation{
			Type:             RecommendBatching,
			Operation:        op,
			EstimatedSavings: burstCost[op] * 0.4,
			Description:      fmt.Sprintf("operation %s bursts more than 5 calls per minute; batch requests", op),
		})
	}

	// model downgrade: expensive model, small average completions
	type modelAgg struct {
		cost   float64
		tokens int
		count  int
	}
	byModel := map[string]modelAgg{}
	for _, r := range records {
		key := Key(r.Provider, r.Model)
		agg := byModel[key]
		agg.cost += r.Cost
		agg.tokens += r.Usage.Total()
		agg.count++
		byModel[key] = agg
	}
	for key, agg := range byModel {
		if agg.count == 0 {
			continue
		}
		avgTokens := float64(agg.tokens) / float64(agg.count)
		provider, model := splitKey(key)
		if prices.Expensive(provider, model) && avgTokens < 500 {
			recs = append(recs, Recommendation{
				Type:             RecommendModelDowngrade,
				Model:            key,
				EstimatedSavings: agg.cost * 0.5,
				Description: fmt.Sprintf("model %s averages %.0f tokens per call; a cheaper model likely suffices",
					key, avgTokens),
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].EstimatedSavings > recs[j].EstimatedSavings })
	return recs
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func splitKey(key string) (provider, model string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
