package billing

import (
	"sort"
	"strings"

	"billscan_worker/core/domain"
	"billscan_worker/pkg/textnorm"
)

// MergeServices appends discovered services that do not collide by name or
// sender with a catalog result. Catalog results always win.
func MergeServices(catalogServices, discovered []domain.DetectedService) []domain.DetectedService {
	names := make(map[string]bool, len(catalogServices))
	senders := make(map[string]bool, len(catalogServices))
	for _, s := range catalogServices {
		names[textnorm.Fold(s.Name)] = true
		if s.Sender != "" {
			senders[strings.ToLower(s.Sender)] = true
		}
	}

	merged := make([]domain.DetectedService, 0, len(catalogServices)+len(discovered))
	merged = append(merged, catalogServices...)
	for _, d := range discovered {
		if names[textnorm.Fold(d.Name)] || senders[strings.ToLower(d.Sender)] {
			continue
		}
		merged = append(merged, d)
	}
	return merged
}

// SortServices orders by supporting-email count, newest email first on ties.
func SortServices(services []domain.DetectedService) {
	sort.SliceStable(services, func(i, j int) bool {
		a, b := services[i], services[j]
		if a.EmailCount != b.EmailCount {
			return a.EmailCount > b.EmailCount
		}
		if !a.LatestEmailDate.Equal(b.LatestEmailDate) {
			return a.LatestEmailDate.After(b.LatestEmailDate)
		}
		return a.Name < b.Name
	})
}
