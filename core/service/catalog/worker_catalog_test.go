package catalog

import (
	"strings"
	"testing"
	"time"

	"billscan_worker/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.NotEmpty(t, c.Version())
	assert.NotEmpty(t, c.Presets())

	p, ok := c.Lookup("aguas cordobesas")
	require.True(t, ok)
	assert.Equal(t, domain.SectionUtilities, p.Section)
	assert.Equal(t, []string{RegionCordoba}, p.Regions)
}

func TestEverySectionHasKeywords(t *testing.T) {
	for _, s := range domain.Sections() {
		kw, err := SectionKeywords(s)
		require.NoError(t, err, s)
		assert.NotEmpty(t, kw, s)

		_, err = domain.StrictnessOf(s)
		assert.NoError(t, err, s)
	}
}

func TestNewRejectsInvalidPresets(t *testing.T) {
	base := domain.ServicePreset{
		Name:      "Test",
		Category:  domain.CategoryUtilities,
		Frequency: domain.FrequencyMonthly,
		Section:   domain.SectionUtilities,
	}

	tests := []struct {
		name   string
		mutate func(p *domain.ServicePreset)
	}{
		{"unknown section", func(p *domain.ServicePreset) { p.Section = "gaming" }},
		{"unknown category", func(p *domain.ServicePreset) { p.Category = "misc" }},
		{"unknown frequency", func(p *domain.ServicePreset) { p.Frequency = "DAILY" }},
		{"unknown region", func(p *domain.ServicePreset) { p.Regions = []string{"XX"} }},
		{"empty name", func(p *domain.ServicePreset) { p.Name = "  " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := New("test", []domain.ServicePreset{p})
			assert.Error(t, err)
		})
	}

	t.Run("unknown section is ErrUnknownSection", func(t *testing.T) {
		p := base
		p.Section = "gaming"
		_, err := New("test", []domain.ServicePreset{p})
		assert.ErrorIs(t, err, domain.ErrUnknownSection)
	})

	t.Run("duplicate names", func(t *testing.T) {
		q := base
		q.Name = "TEST"
		_, err := New("test", []domain.ServicePreset{base, q})
		assert.ErrorIs(t, err, ErrInvalidPreset)
	})
}

func TestResolveRegion(t *testing.T) {
	tests := []struct {
		locale   string
		expected string
	}{
		{"Córdoba", RegionCordoba},
		{"Villa Carlos Paz", RegionCordoba},
		{"Rosario, Santa Fe", RegionSantaFe},
		{"CABA", RegionCABA},
		{"mza", RegionMendoza},
		{"Provincia de Buenos Aires", RegionBuenosAires},
		{"Entre Ríos", RegionEntreRios},
		{"Montevideo", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveRegion(tt.locale))
		})
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New("test", []domain.ServicePreset{
		{Name: "Aguas Cordobesas", Category: domain.CategoryUtilities, Frequency: domain.FrequencyMonthly, Section: domain.SectionUtilities, Regions: []string{RegionCordoba}},
		{Name: "Edenor", Category: domain.CategoryUtilities, Frequency: domain.FrequencyBimonthly, Section: domain.SectionUtilities, Regions: []string{RegionBuenosAires}},
		{Name: "Personal", Category: domain.CategoryTelecom, Frequency: domain.FrequencyMonthly, Section: domain.SectionTelecom},
		{Name: "Netflix", Category: domain.CategorySubscription, Frequency: domain.FrequencyMonthly, Section: domain.SectionSubscriptions},
	})
	require.NoError(t, err)
	return c
}

func TestBuildQueries_RegionFiltering(t *testing.T) {
	c := testCatalog(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		locale     string
		wantAguas  bool
		wantEdenor bool
	}{
		{"resolves to preset region", "Córdoba", true, false},
		{"resolves to other region", "La Plata", false, true},
		{"unknown locale keeps nationwide only", "Lima", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queries, err := BuildQueries(c, tt.locale, now, 90)
			require.NoError(t, err)

			var providers []string
			for _, q := range queries {
				providers = append(providers, q.Providers...)
			}
			assert.Equal(t, tt.wantAguas, contains(providers, "Aguas Cordobesas"))
			assert.Equal(t, tt.wantEdenor, contains(providers, "Edenor"))
			assert.Contains(t, providers, "Personal")
			assert.Contains(t, providers, "Netflix")
		})
	}
}

func TestBuildQueries_Expression(t *testing.T) {
	c := testCatalog(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	queries, err := BuildQueries(c, "Córdoba", now, 30)
	require.NoError(t, err)
	require.Len(t, queries, 3)

	utilities := queries[0]
	assert.Equal(t, domain.SectionUtilities, utilities.Section)
	assert.True(t, strings.HasPrefix(utilities.Query, `("Aguas Cordobesas") AND (factura OR "tu factura"`), utilities.Query)
	assert.True(t, strings.HasSuffix(utilities.Query, "AND after:2026/02/13"), utilities.Query)

	assert.Equal(t, domain.SectionTelecom, queries[1].Section)
	assert.Equal(t, domain.SectionSubscriptions, queries[2].Section)
}

func TestBuildQueries_Errors(t *testing.T) {
	now := time.Now()

	_, err := BuildQueries(testCatalog(t), "Córdoba", now, 0)
	assert.Error(t, err)

	regional, err := New("test", []domain.ServicePreset{
		{Name: "EPEC", Category: domain.CategoryUtilities, Frequency: domain.FrequencyMonthly, Section: domain.SectionUtilities, Regions: []string{RegionCordoba}},
	})
	require.NoError(t, err)
	_, err = BuildQueries(regional, "Rosario", now, 30)
	assert.ErrorIs(t, err, ErrNoQueries)
}

func TestQuoteTerm(t *testing.T) {
	assert.Equal(t, "EPEC", QuoteTerm("EPEC"))
	assert.Equal(t, `"Swiss Medical"`, QuoteTerm("Swiss Medical"))
	assert.Equal(t, `"Disney+"`, QuoteTerm("Disney+"))
	assert.Equal(t, `"say hi"`, QuoteTerm(`say "hi"`))
	assert.Equal(t, "", QuoteTerm("  "))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
