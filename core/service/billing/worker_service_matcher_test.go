package billing

import (
	"testing"
	"time"

	"billscan_worker/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestServiceMatcher_Match(t *testing.T) {
	matcher := NewServiceMatcher([]string{"Aguas", "Aguas Cordobesas", "EPEC", "Medifé"})

	tests := []struct {
		name     string
		subject  string
		sender   string
		expected string
		found    bool
	}{
		{"longest name wins", "Aguas Cordobesas S.A. factura", "", "Aguas Cordobesas", true},
		{"short name alone", "Aguas del Norte", "", "Aguas", true},
		{"matches sender", "Tu factura de octubre", "EPEC <facturas@epec.com.ar>", "EPEC", true},
		{"case insensitive", "aviso de AGUAS CORDOBESAS", "", "Aguas Cordobesas", true},
		{"accent insensitive", "Cuota MEDIFE noviembre", "", "Medifé", true},
		{"no match", "Newsletter semanal", "news@example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matcher.Match(tt.subject, tt.sender)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestInferFrequency(t *testing.T) {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	spaced := func(days ...int) []time.Time {
		out := []time.Time{base}
		cur := base
		for _, d := range days {
			cur = cur.AddDate(0, 0, d)
			out = append(out, cur)
		}
		return out
	}

	tests := []struct {
		name     string
		dates    []time.Time
		expected domain.Frequency
	}{
		{"monthly", spaced(30, 31), domain.FrequencyMonthly},
		{"weekly", spaced(7, 7), domain.FrequencyWeekly},
		{"biweekly", spaced(14, 15, 14), domain.FrequencyBiweekly},
		{"bimonthly", spaced(61, 59), domain.FrequencyBimonthly},
		{"quarterly", spaced(91, 90), domain.FrequencyQuarterly},
		{"annual", spaced(365, 366), domain.FrequencyAnnual},
		{"median ignores outlier", spaced(30, 2, 31, 30), domain.FrequencyMonthly},
		{"too few emails keeps fallback", spaced(7), domain.FrequencyQuarterly},
		{"same day duplicates keep fallback", []time.Time{base, base, base}, domain.FrequencyQuarterly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InferFrequency(tt.dates, domain.FrequencyQuarterly))
		})
	}
}

func TestInferFrequency_UnsortedInput(t *testing.T) {
	d1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	dates := []time.Time{d1.AddDate(0, 0, 14), d1, d1.AddDate(0, 0, 7)}
	assert.Equal(t, domain.FrequencyWeekly, InferFrequency(dates, domain.FrequencyMonthly))
}

func TestMergeAndSortServices(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	catalogServices := []domain.DetectedService{
		{Name: "Netflix", Sender: "info@account.netflix.com", EmailCount: 2, LatestEmailDate: now},
		{Name: "EPEC", Sender: "facturas@epec.com.ar", EmailCount: 6, LatestEmailDate: now},
	}
	discovered := []domain.DetectedService{
		{Name: "NETFLIX", Sender: "other@netflix.com", EmailCount: 3, Discovered: true},
		{Name: "Energía EPEC", Sender: "FACTURAS@epec.com.ar", EmailCount: 3, Discovered: true},
		{Name: "Club Atlético", Sender: "cuotas@club.org.ar", EmailCount: 4, Discovered: true},
	}

	merged := MergeServices(catalogServices, discovered)
	SortServices(merged)

	names := make([]string, len(merged))
	for i, s := range merged {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"EPEC", "Club Atlético", "Netflix"}, names)
}
