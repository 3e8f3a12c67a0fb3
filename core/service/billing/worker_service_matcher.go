package billing

import (
	"sort"
	"strings"

	"billscan_worker/pkg/textnorm"
)

// ServiceMatcher maps subject+sender text to a catalog provider name.
type ServiceMatcher struct {
	names  []string
	folded []string
}

// NewServiceMatcher orders candidates longest first so a specific name
// ("Aguas Cordobesas") wins over a shorter one it contains ("Aguas").
func NewServiceMatcher(names []string) *ServiceMatcher {
	type candidate struct {
		name   string
		folded string
	}
	cands := make([]candidate, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		f := textnorm.Fold(n)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		cands = append(cands, candidate{name: n, folded: f})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return len(cands[i].folded) > len(cands[j].folded)
	})

	m := &ServiceMatcher{
		names:  make([]string, len(cands)),
		folded: make([]string, len(cands)),
	}
	for i, c := range cands {
		m.names[i] = c.name
		m.folded[i] = c.folded
	}
	return m
}

// Match returns the longest candidate found in subject or sender, ignoring case and accents.
func (m *ServiceMatcher) Match(subject, sender string) (string, bool) {
	text := textnorm.Fold(subject + " " + sender)
	for i, f := range m.folded {
		if strings.Contains(text, f) {
			return m.names[i], true
		}
	}
	return "", false
}
