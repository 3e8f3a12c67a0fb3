package billing

import (
	"sort"
	"time"

	"billscan_worker/core/domain"
)

// MinEmailsForInference is the number of supporting emails needed to infer
// a frequency from their spacing.
const MinEmailsForInference = 3

// InferFrequency maps the median gap between consecutive emails to a cadence.
// With fewer than MinEmailsForInference dates it returns fallback.
func InferFrequency(dates []time.Time, fallback domain.Frequency) domain.Frequency {
	if len(dates) < MinEmailsForInference {
		return fallback
	}
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Hours()/24)
	}
	sort.Float64s(gaps)

	var median float64
	if n := len(gaps); n%2 == 1 {
		median = gaps[n/2]
	} else {
		median = (gaps[n/2-1] + gaps[n/2]) / 2
	}

	switch {
	case median <= 0.5:
		// Same-day duplicates say nothing about cadence.
		return fallback
	case median <= 10:
		return domain.FrequencyWeekly
	case median <= 20:
		return domain.FrequencyBiweekly
	case median <= 45:
		return domain.FrequencyMonthly
	case median <= 75:
		return domain.FrequencyBimonthly
	case median <= 120:
		return domain.FrequencyQuarterly
	case median <= 240:
		return domain.FrequencySemiannual
	default:
		return domain.FrequencyAnnual
	}
}
