// Package billing implements the scan-match-extract pipeline that turns a
// user's mailbox into a list of detected recurring billing services.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"
	"billscan_worker/core/service/catalog"
	"billscan_worker/core/service/mailbox"
	"billscan_worker/pkg/metrics"
	"billscan_worker/pkg/retry"

	"github.com/rs/zerolog"
)

// Stage names, in run order.
const (
	StageBuildQueries   = "build_queries"
	StageListCandidates = "list_candidates"
	StageLedgerFilter   = "ledger_filter"
	StageFetchMetadata  = "fetch_metadata"
	StageMatchServices  = "match_services"
	StageRankCandidates = "rank_per_provider"
	StageFetchBodies    = "fetch_bodies"
	StageClassify       = "classify_per_provider"
	StageLedgerCommit   = "ledger_commit"
	StageBuildDetected  = "build_detected_services"
	StageDiscovery      = "discovery_pass"
	StageMerge          = "merge_dedupe"
	StageSort           = "sort"
)

// Stages lists every stage in run order.
var Stages = []string{
	StageBuildQueries, StageListCandidates, StageLedgerFilter, StageFetchMetadata,
	StageMatchServices, StageRankCandidates, StageFetchBodies, StageClassify,
	StageLedgerCommit, StageBuildDetected, StageDiscovery, StageMerge, StageSort,
}

// ledgerFlushTimeout bounds the ledger write made after a run is cancelled.
const ledgerFlushTimeout = 10 * time.Second

// ProgressFunc is called when a stage starts.
type ProgressFunc func(stage string)

type PipelineConfig struct {
	PageSize              int
	MaxPages              int
	QueryDelay            time.Duration
	CandidatesPerProvider int
	DefaultLookbackDays   int
	Batch                 mailbox.Config
	Discovery             DiscoveryConfig
	Sleep                 retry.SleepFunc
	Progress              ProgressFunc
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PageSize:              100,
		MaxPages:              3,
		QueryDelay:            500 * time.Millisecond,
		CandidatesPerProvider: 5,
		DefaultLookbackDays:   180,
		Batch: mailbox.Config{
			BatchSize:  mailbox.DefaultBatchSize,
			BatchDelay: mailbox.DefaultBatchDelay,
		},
		Discovery: DiscoveryConfig{
			Enabled:    true,
			TopSenders: 10,
			MaxPages:   2,
			PageSize:   100,
		},
	}
}

// Pipeline runs the catalog scan, the ledger commit and the discovery pass.
type Pipeline struct {
	catalog   *catalog.Catalog
	ledger    out.LedgerStore
	extractor *InvoiceExtractor
	discovery *DiscoveryScanner
	cfg       PipelineConfig
	metrics   *metrics.ScanMetrics
	log       zerolog.Logger
}

func NewPipeline(cat *catalog.Catalog, ledger out.LedgerStore, extractor *InvoiceExtractor, cfg PipelineConfig, m *metrics.ScanMetrics, log zerolog.Logger) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.CandidatesPerProvider <= 0 {
		cfg.CandidatesPerProvider = def.CandidatesPerProvider
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = def.DefaultLookbackDays
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.SleepContext
	}
	if cfg.Batch.Sleep == nil {
		cfg.Batch.Sleep = cfg.Sleep
	}

	log = log.With().Str("component", "billing_pipeline").Logger()
	return &Pipeline{
		catalog:   cat,
		ledger:    ledger,
		extractor: extractor,
		discovery: NewDiscoveryScanner(ledger, extractor, cfg.Discovery, cfg.Batch, m, log),
		cfg:       cfg,
		metrics:   m,
		log:       log,
	}
}

// scanRun holds the per-run state passed between stages.
type scanRun struct {
	req     domain.ScanRequest
	client  out.MailboxClient
	fetcher *mailbox.BatchFetcher
	log     zerolog.Logger
	stats   domain.ScanStats

	queries   []domain.ServiceQuery
	listed    []string
	fresh     []string
	emails    []domain.EmailInfo
	byName    map[string][]domain.EmailInfo
	providers []string
	ranked    map[string][]domain.EmailInfo
	bodies    map[string]*out.FullMessage
	excluded  map[string]bool
	positives map[string]positiveCandidate
	catalog   []domain.DetectedService
	found     []domain.DetectedService

	// ids that already cost a completion call
	classified map[string]bool
	committed  bool
}

type positiveCandidate struct {
	email   domain.EmailInfo
	invoice *domain.ExtractedInvoiceData
}

// Scan runs every stage in order. It returns an error only when queries cannot
// be built, the mailbox rejects the credential, the ledger cannot be read, or
// ctx ends; single-item failures are logged and skipped.
func (p *Pipeline) Scan(ctx context.Context, client out.MailboxClient, req domain.ScanRequest) (*domain.ScanResult, error) {
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if req.LookbackDays <= 0 {
		req.LookbackDays = p.cfg.DefaultLookbackDays
	}

	run := &scanRun{
		req:        req,
		client:     client,
		log:        p.log.With().Str("user_id", req.UserID.String()).Logger(),
		excluded:   make(map[string]bool),
		classified: make(map[string]bool),
		positives:  make(map[string]positiveCandidate),
	}
	run.fetcher = mailbox.NewBatchFetcher(client, p.cfg.Batch, run.log)

	steps := []struct {
		name string
		fn   func(context.Context, *scanRun) error
	}{
		{StageBuildQueries, p.buildQueries},
		{StageListCandidates, p.listCandidates},
		{StageLedgerFilter, p.ledgerFilter},
		{StageFetchMetadata, p.fetchMetadata},
		{StageMatchServices, p.matchServices},
		{StageRankCandidates, p.rankCandidates},
		{StageFetchBodies, p.fetchBodies},
		{StageClassify, p.classify},
		{StageLedgerCommit, p.ledgerCommit},
		{StageBuildDetected, p.buildDetected},
		{StageDiscovery, p.discoveryPass},
		{StageMerge, p.merge},
		{StageSort, p.sortServices},
	}

	for _, step := range steps {
		if p.cfg.Progress != nil {
			p.cfg.Progress(step.name)
		}
		started := time.Now()
		err := step.fn(ctx, run)
		p.metrics.ObserveStage(step.name, started)
		if err != nil {
			p.metrics.Scan("failed")
			run.log.Error().Err(err).Str("stage", step.name).Msg("scan aborted")
			if !run.committed && len(run.classified) > 0 {
				p.commitClassified(ctx, run)
			}
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	p.metrics.Scan("completed")
	p.metrics.Detected("catalog", len(run.catalog))
	p.metrics.Detected("discovery", run.stats.Discovered)
	run.log.Info().
		Int("services", len(run.catalog)).
		Int("listed", run.stats.Listed).
		Int("completion_calls", run.stats.CompletionCalls).
		Int("ledger_rows", run.stats.LedgerRows).
		Msg("scan completed")

	return &domain.ScanResult{Services: run.catalog, Stats: run.stats}, nil
}

func (p *Pipeline) buildQueries(_ context.Context, run *scanRun) error {
	queries, err := catalog.BuildQueries(p.catalog, run.req.Locale, run.req.Now, run.req.LookbackDays)
	if err != nil {
		return err
	}
	run.queries = queries
	run.stats.Queries = len(queries)
	return nil
}

// listCandidates runs section queries one after another with a fixed delay.
func (p *Pipeline) listCandidates(ctx context.Context, run *scanRun) error {
	seen := make(map[string]bool)
	for i, q := range run.queries {
		if i > 0 && p.cfg.QueryDelay > 0 {
			if err := p.cfg.Sleep(ctx, p.cfg.QueryDelay); err != nil {
				return err
			}
		}
		ids, err := listAll(ctx, run.client, q.Query, p.cfg.PageSize, p.cfg.MaxPages)
		if err != nil {
			if out.IsAuthFailure(err) {
				return fmt.Errorf("mailbox authentication: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			run.log.Warn().Err(err).Str("section", string(q.Section)).Msg("section query failed, skipping")
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				run.listed = append(run.listed, id)
			}
		}
	}
	run.stats.Listed = len(run.listed)
	return nil
}

func (p *Pipeline) ledgerFilter(ctx context.Context, run *scanRun) error {
	if len(run.listed) == 0 {
		return nil
	}
	processed, err := p.ledger.Processed(ctx, run.req.UserID, run.listed)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	for _, id := range run.listed {
		if _, ok := processed[id]; !ok {
			run.fresh = append(run.fresh, id)
		}
	}
	run.stats.LedgerHits = len(run.listed) - len(run.fresh)
	return nil
}

func (p *Pipeline) fetchMetadata(ctx context.Context, run *scanRun) error {
	results, err := run.fetcher.FetchMetadata(ctx, run.fresh)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			if out.IsAuthFailure(r.Err) {
				return fmt.Errorf("mailbox authentication: %w", r.Err)
			}
			run.log.Warn().Err(r.Err).Str("message_id", r.ID).Msg("metadata fetch failed")
			continue
		}
		run.emails = append(run.emails, emailInfoFromMetadata(r.Value))
	}
	run.stats.MetadataFetched = len(run.emails)
	return nil
}

func (p *Pipeline) matchServices(_ context.Context, run *scanRun) error {
	var names []string
	for _, q := range run.queries {
		names = append(names, q.Providers...)
	}
	matcher := NewServiceMatcher(names)

	run.byName = make(map[string][]domain.EmailInfo)
	for i := range run.emails {
		name, ok := matcher.Match(run.emails[i].Subject, run.emails[i].From)
		if !ok {
			continue
		}
		run.emails[i].MatchedName = name
		if _, seen := run.byName[name]; !seen {
			run.providers = append(run.providers, name)
		}
		run.byName[name] = append(run.byName[name], run.emails[i])
		run.stats.Matched++
	}
	return nil
}

// rankCandidates keeps the newest CandidatesPerProvider emails per provider.
func (p *Pipeline) rankCandidates(_ context.Context, run *scanRun) error {
	run.ranked = make(map[string][]domain.EmailInfo, len(run.byName))
	for _, name := range run.providers {
		emails := make([]domain.EmailInfo, len(run.byName[name]))
		copy(emails, run.byName[name])
		sort.SliceStable(emails, func(i, j int) bool {
			return emails[i].Date.After(emails[j].Date)
		})
		if len(emails) > p.cfg.CandidatesPerProvider {
			emails = emails[:p.cfg.CandidatesPerProvider]
		}
		run.ranked[name] = emails
	}
	return nil
}

func (p *Pipeline) fetchBodies(ctx context.Context, run *scanRun) error {
	var ids []string
	for _, name := range run.providers {
		for _, e := range run.ranked[name] {
			ids = append(ids, e.ID)
		}
	}
	results, err := run.fetcher.FetchFull(ctx, ids)
	if err != nil {
		return err
	}
	run.bodies = make(map[string]*out.FullMessage, len(results))
	for _, r := range results {
		if r.Err != nil {
			run.log.Warn().Err(r.Err).Str("message_id", r.ID).Msg("body fetch failed")
			run.excluded[r.ID] = true
			continue
		}
		run.bodies[r.ID] = r.Value
	}
	run.stats.BodiesFetched = len(run.bodies)
	return nil
}

// classify walks each provider's candidates newest first and stops at the
// first billing-positive one.
func (p *Pipeline) classify(ctx context.Context, run *scanRun) error {
	for _, name := range run.providers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.classifyProvider(ctx, run, name); err != nil {
			run.log.Error().Err(err).Str("provider", name).Msg("provider classification failed, skipping")
		}
	}
	return nil
}

func (p *Pipeline) classifyProvider(ctx context.Context, run *scanRun, name string) (err error) {
	candidates := run.ranked[name]
	classified := make(map[string]bool, len(candidates))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			for _, e := range candidates {
				if !classified[e.ID] {
					run.excluded[e.ID] = true
				}
			}
		}
	}()

	preset, ok := p.catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("provider %q not in catalog", name)
	}

	for _, e := range candidates {
		msg, ok := run.bodies[e.ID]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome := p.extractor.ExtractCatalog(ctx, CatalogInput{
			ProviderName: name,
			Section:      preset.Section,
			Subject:      e.Subject,
			Body:         DecodeBody(msg.Payload),
		})
		classified[e.ID] = true
		run.classified[e.ID] = true
		run.stats.CompletionCalls++
		if outcome.Err != nil {
			run.stats.RegexFallbacks++
			p.metrics.RegexFallback(string(outcome.ErrKind))
			p.metrics.Completion("catalog", domain.OutcomeProviderError.String())
		} else {
			p.metrics.Completion("catalog", outcome.Kind.String())
		}

		if outcome.IsBilling() {
			run.positives[name] = positiveCandidate{email: e, invoice: outcome.Invoice}
			run.log.Debug().Str("provider", name).Str("message_id", e.ID).
				Str("method", string(outcome.Invoice.Method)).Msg("billing email found")
			return nil
		}
	}
	return nil
}

// ledgerCommit records every considered id, including unmatched ones and
// negative verdicts. Ids whose body fetch or classification failed are left
// out so a later run can retry them.
func (p *Pipeline) ledgerCommit(ctx context.Context, run *scanRun) error {
	run.committed = true
	p.record(ctx, run, func(id string) bool { return !run.excluded[id] })
	return nil
}

// commitClassified runs when the scan stops before the ledger stage: ids that
// were already sent for classification are recorded so they are never
// classified again. ctx may already be done.
func (p *Pipeline) commitClassified(ctx context.Context, run *scanRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerFlushTimeout)
	defer cancel()
	p.record(ctx, run, func(id string) bool { return run.classified[id] })
}

// record writes the fetched emails accepted by keep. Write failures are
// logged; the run goes on.
func (p *Pipeline) record(ctx context.Context, run *scanRun, keep func(id string) bool) {
	records := make([]domain.ProcessedMessageRecord, 0, len(run.emails))
	for _, e := range run.emails {
		if !keep(e.ID) {
			continue
		}
		records = append(records, domain.ProcessedMessageRecord{
			UserID:      run.req.UserID,
			MessageID:   e.ID,
			MatchedName: e.MatchedName,
			CreatedAt:   run.req.Now,
		})
	}
	if len(records) == 0 {
		return
	}
	written, err := p.ledger.Record(ctx, records)
	if err != nil {
		run.log.Error().Err(err).Int("rows", len(records)).Msg("ledger commit failed")
		return
	}
	run.stats.LedgerRows += written
	p.metrics.LedgerRows(written)
}

func (p *Pipeline) buildDetected(_ context.Context, run *scanRun) error {
	for _, name := range run.providers {
		pos, ok := run.positives[name]
		if !ok {
			continue
		}
		preset, _ := p.catalog.Lookup(name)
		all := run.byName[name]

		dates := make([]time.Time, len(all))
		latest := pos.email.Date
		for i, e := range all {
			dates[i] = e.Date
			if e.Date.After(latest) {
				latest = e.Date
			}
		}

		svc := domain.DetectedService{
			Name:            preset.Name,
			Category:        preset.Category,
			Section:         preset.Section,
			Frequency:       InferFrequency(dates, preset.Frequency),
			Sender:          normalizeSender(pos.email.From),
			EmailCount:      len(all),
			LatestEmailDate: latest,
		}
		svc.ApplyInvoice(pos.invoice)
		run.catalog = append(run.catalog, svc)
	}
	return nil
}

// discoveryPass degrades to no discovered services on failure.
func (p *Pipeline) discoveryPass(ctx context.Context, run *scanRun) error {
	if !p.cfg.Discovery.Enabled {
		return nil
	}
	claimed := make(map[string]struct{}, len(run.listed))
	for _, id := range run.listed {
		claimed[id] = struct{}{}
	}

	found, stats, err := p.discovery.Scan(ctx, run.client, run.req, claimed)
	run.stats.DiscoveryScanned = stats.Scanned
	run.stats.CompletionCalls += stats.CompletionCalls
	run.stats.LedgerRows += stats.LedgerRows
	p.metrics.LedgerRows(stats.LedgerRows)
	if err != nil {
		if out.IsAuthFailure(err) || errors.Is(err, context.Canceled) {
			return err
		}
		run.log.Warn().Err(err).Msg("discovery pass failed, continuing with catalog results")
		return nil
	}
	run.found = found
	return nil
}

func (p *Pipeline) merge(_ context.Context, run *scanRun) error {
	merged := MergeServices(run.catalog, run.found)
	run.stats.Discovered = len(merged) - len(run.catalog)
	run.catalog = merged
	return nil
}

func (p *Pipeline) sortServices(_ context.Context, run *scanRun) error {
	SortServices(run.catalog)
	return nil
}
