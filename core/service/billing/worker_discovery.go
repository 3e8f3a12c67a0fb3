package billing

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"
	"billscan_worker/core/service/catalog"
	"billscan_worker/core/service/mailbox"
	"billscan_worker/pkg/metrics"
	"billscan_worker/pkg/textnorm"

	"github.com/rs/zerolog"
)

// DefaultDenylist holds platform domains whose mail is never a recurring bill.
var DefaultDenylist = []string{
	"linkedin.com", "facebookmail.com", "instagram.com", "twitter.com", "x.com",
	"google.com", "youtube.com", "mercadolibre.com", "mercadolibre.com.ar",
	"mercadopago.com", "paypal.com", "github.com", "slack.com", "zoom.us",
	"tiktok.com", "pinterest.com", "whatsapp.com", "uber.com", "rappi.com",
	"pedidosya.com",
}

type DiscoveryConfig struct {
	Enabled    bool
	TopSenders int
	MaxPages   int
	PageSize   int
	Denylist   []string
}

// DiscoveryStats counts the discovery sub-run.
type DiscoveryStats struct {
	Scanned         int
	Senders         int
	CompletionCalls int
	LedgerRows      int
}

type senderGroup struct {
	address string
	emails  []domain.EmailInfo
}

func (g *senderGroup) latest() domain.EmailInfo {
	return g.emails[0]
}

// DiscoveryScanner finds billing senders missing from the catalog.
type DiscoveryScanner struct {
	ledger    out.LedgerStore
	extractor *InvoiceExtractor
	cfg       DiscoveryConfig
	batch     mailbox.Config
	metrics   *metrics.ScanMetrics
	log       zerolog.Logger
}

func NewDiscoveryScanner(ledger out.LedgerStore, extractor *InvoiceExtractor, cfg DiscoveryConfig, batch mailbox.Config, m *metrics.ScanMetrics, log zerolog.Logger) *DiscoveryScanner {
	if cfg.TopSenders <= 0 {
		cfg.TopSenders = 10
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 2
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Denylist == nil {
		cfg.Denylist = DefaultDenylist
	}
	return &DiscoveryScanner{
		ledger:    ledger,
		extractor: extractor,
		cfg:       cfg,
		batch:     batch,
		metrics:   m,
		log:       log.With().Str("component", "discovery").Logger(),
	}
}

// Scan runs one broad search, skipping claimed ids and ledger rows, and
// classifies the latest email of each of the most frequent senders.
// Every scanned message is recorded in the ledger.
func (d *DiscoveryScanner) Scan(ctx context.Context, client out.MailboxClient, req domain.ScanRequest, claimed map[string]struct{}) ([]domain.DetectedService, DiscoveryStats, error) {
	var stats DiscoveryStats

	query := catalog.DiscoveryQuery(req.Now, req.LookbackDays)
	listed, err := listAll(ctx, client, query, d.cfg.PageSize, d.cfg.MaxPages)
	if err != nil {
		return nil, stats, fmt.Errorf("discovery list: %w", err)
	}

	candidates := make([]string, 0, len(listed))
	for _, id := range listed {
		if _, ok := claimed[id]; !ok {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, stats, nil
	}

	processed, err := d.ledger.Processed(ctx, req.UserID, candidates)
	if err != nil {
		return nil, stats, fmt.Errorf("discovery ledger filter: %w", err)
	}
	fresh := candidates[:0]
	for _, id := range candidates {
		if _, ok := processed[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil, stats, nil
	}

	fetcher := mailbox.NewBatchFetcher(client, d.batch, d.log)
	metaResults, err := fetcher.FetchMetadata(ctx, fresh)
	if err != nil {
		return nil, stats, err
	}
	emails := make([]domain.EmailInfo, 0, len(metaResults))
	for _, r := range metaResults {
		if r.Err != nil {
			d.log.Warn().Err(r.Err).Str("message_id", r.ID).Msg("discovery metadata fetch failed")
			continue
		}
		emails = append(emails, emailInfoFromMetadata(r.Value))
	}
	stats.Scanned = len(emails)

	groups := d.rankSenders(emails)
	stats.Senders = len(groups)

	samples := make([]string, len(groups))
	for i, g := range groups {
		samples[i] = g.latest().ID
	}
	bodyResults, err := fetcher.FetchFull(ctx, samples)
	if err != nil {
		return nil, stats, err
	}

	skipped := make(map[string]bool)
	names := make(map[string]string)
	seen := make(map[string]bool)
	var services []domain.DetectedService
	for i, g := range groups {
		r := bodyResults[i]
		if r.Err != nil {
			d.log.Warn().Err(r.Err).Str("sender", g.address).Msg("discovery body fetch failed, sender left for next run")
			skipped[g.address] = true
			continue
		}
		sample := g.latest()
		outcome := d.extractor.ExtractDiscovery(ctx, DiscoveryInput{
			Sender:  sample.From,
			Subject: sample.Subject,
			Body:    DecodeBody(r.Value.Payload),
		})
		stats.CompletionCalls++
		d.metrics.Completion("discovery", outcome.Kind.String())

		switch outcome.Kind {
		case domain.OutcomeProviderError:
			d.log.Info().Err(outcome.Err).Str("sender", g.address).Str("kind", string(outcome.ErrKind)).Msg("discovery classification failed, treating as not billing")
			continue
		case domain.OutcomeNotBilling:
			continue
		}

		key := textnorm.Fold(outcome.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names[g.address] = outcome.Name

		svc := domain.DetectedService{
			Name:            outcome.Name,
			Category:        outcome.Category,
			Section:         outcome.Category.Section(),
			Frequency:       domain.FrequencyMonthly,
			Sender:          g.address,
			EmailCount:      len(g.emails),
			LatestEmailDate: sample.Date,
			Discovered:      true,
		}
		svc.ApplyInvoice(outcome.Invoice)
		services = append(services, svc)
	}

	var records []domain.ProcessedMessageRecord
	for _, e := range emails {
		addr := normalizeSender(e.From)
		if skipped[addr] {
			continue
		}
		records = append(records, domain.ProcessedMessageRecord{
			UserID:      req.UserID,
			MessageID:   e.ID,
			MatchedName: names[addr],
			CreatedAt:   req.Now,
		})
	}
	written, err := d.ledger.Record(ctx, records)
	if err != nil {
		d.log.Error().Err(err).Int("rows", len(records)).Msg("discovery ledger commit failed")
	}
	stats.LedgerRows = written

	return services, stats, nil
}

// rankSenders groups by normalized address, drops denylisted domains and
// keeps the most frequent senders, each with its emails newest first.
func (d *DiscoveryScanner) rankSenders(emails []domain.EmailInfo) []*senderGroup {
	byAddr := make(map[string]*senderGroup)
	var order []*senderGroup
	for _, e := range emails {
		addr := normalizeSender(e.From)
		if addr == "" || d.denied(addr) {
			continue
		}
		g, ok := byAddr[addr]
		if !ok {
			g = &senderGroup{address: addr}
			byAddr[addr] = g
			order = append(order, g)
		}
		g.emails = append(g.emails, e)
	}

	for _, g := range order {
		sort.SliceStable(g.emails, func(i, j int) bool {
			return g.emails[i].Date.After(g.emails[j].Date)
		})
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if len(a.emails) != len(b.emails) {
			return len(a.emails) > len(b.emails)
		}
		if !a.latest().Date.Equal(b.latest().Date) {
			return a.latest().Date.After(b.latest().Date)
		}
		return a.address < b.address
	})
	if len(order) > d.cfg.TopSenders {
		order = order[:d.cfg.TopSenders]
	}
	return order
}

func (d *DiscoveryScanner) denied(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return false
	}
	domainPart := addr[at+1:]
	for _, deny := range d.cfg.Denylist {
		if domainPart == deny || strings.HasSuffix(domainPart, "."+deny) {
			return true
		}
	}
	return false
}

// normalizeSender returns the lowercased bare address of a From header.
func normalizeSender(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	s := from
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func emailInfoFromMetadata(m *out.MessageMetadata) domain.EmailInfo {
	info := domain.EmailInfo{
		ID:      m.ID,
		From:    m.Header("From"),
		Subject: m.Header("Subject"),
		Date:    m.InternalDate,
	}
	if info.Date.IsZero() {
		if t, err := mail.ParseDate(m.Header("Date")); err == nil {
			info.Date = t
		}
	}
	return info
}

// listAll pages through a search up to maxPages.
func listAll(ctx context.Context, client out.MailboxClient, query string, pageSize, maxPages int) ([]string, error) {
	var ids []string
	token := ""
	for page := 0; page < maxPages; page++ {
		res, err := client.ListMessages(ctx, query, pageSize, token)
		if err != nil {
			return ids, err
		}
		ids = append(ids, res.IDs...)
		if res.NextPageToken == "" {
			break
		}
		token = res.NextPageToken
	}
	return ids, nil
}
