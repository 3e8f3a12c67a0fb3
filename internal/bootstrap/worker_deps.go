package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billscan_worker/adapter/out/messaging"
	"billscan_worker/adapter/out/mongodb"
	"billscan_worker/adapter/out/persistence"
	"billscan_worker/adapter/out/provider/gmail"
	"billscan_worker/config"
	"billscan_worker/core/agent/llm"
	"billscan_worker/core/port/out"
	"billscan_worker/core/service/billing"
	"billscan_worker/core/service/catalog"
	"billscan_worker/core/service/mailbox"
	"billscan_worker/core/service/report"
	"billscan_worker/infra/database"
	"billscan_worker/pkg/cache"
	"billscan_worker/pkg/crypto"
	"billscan_worker/pkg/httputil"
	"billscan_worker/pkg/logger"
	"billscan_worker/pkg/metrics"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger

	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Database

	Registry *prometheus.Registry
	Metrics  *metrics.ScanMetrics

	// Scan pipeline
	Catalog   *catalog.Catalog
	Ledger    out.LedgerStore
	LLMClient *llm.Client
	Mailboxes *gmail.Factory
	Pipeline  *billing.Pipeline

	// Scan jobs
	Reports     out.ScanReportRepository
	ScanLock    out.ScanLock
	Producer    out.ScanJobProducer
	Sealer      report.TokenSealer
	ScanService *report.Service
}

// NewDependencies opens every store the server needs and wires the scan
// service. The returned cleanup closes them in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg, Log: log}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.NewScanMetrics(deps.Registry)

	// Ledger
	if cfg.LedgerDriver == config.LedgerPostgres {
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			return fail(err)
		}
		deps.SQLDB = db
		cleanups = append(cleanups, func() { db.Close() })
	}
	ledger, closeLedger, err := OpenLedger(ctx, cfg, deps.SQLDB)
	if err != nil {
		return fail(err)
	}
	deps.Ledger = ledger
	cleanups = append(cleanups, closeLedger)

	// Redis (lock + stream)
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			return fail(err)
		}
		deps.Redis = rdb
		cleanups = append(cleanups, func() { rdb.Close() })
		deps.ScanLock = cache.NewRedisScanLock(rdb)
		deps.Producer = messaging.NewRedisProducer(rdb)
	} else {
		logger.Warn("REDIS_URL not set: scan lock is per process and async scans are disabled")
		deps.ScanLock = cache.NewMemoryScanLock()
	}

	// Mongo (scan reports)
	mdb, err := mongodb.Connect(ctx, cfg.MongoURL, cfg.MongoDB)
	if err != nil {
		return fail(err)
	}
	deps.MongoDB = mdb
	cleanups = append(cleanups, func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mdb.Client().Disconnect(disconnectCtx)
	})
	reports := mongodb.NewScanReportAdapter(mdb)
	if err := reports.EnsureIndexes(ctx); err != nil {
		return fail(fmt.Errorf("scan report indexes: %w", err))
	}
	deps.Reports = reports

	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return fail(err)
		}
		deps.Sealer = sealer
	}

	// Pipeline
	deps.Catalog, err = LoadCatalog(cfg)
	if err != nil {
		return fail(err)
	}
	deps.LLMClient = NewLLMClient(cfg, log)
	deps.Mailboxes = NewMailboxFactory(cfg, deps.Metrics, log)
	deps.Pipeline = NewPipeline(cfg, deps.Catalog, deps.Ledger, deps.LLMClient, deps.Metrics, nil, log)

	deps.ScanService = report.NewService(
		deps.Pipeline,
		deps.Mailboxes,
		deps.Reports,
		deps.ScanLock,
		deps.Producer,
		deps.Sealer,
		report.Config{
			LockTTL:     cfg.ScanLockTTL,
			ScanTimeout: cfg.ScanLockTTL - cfg.ScanLockTTL/10,
		},
		log,
	)

	return deps, cleanup, nil
}

// OpenLedger builds the ledger store for cfg.LedgerDriver. db is only used
// by the postgres driver.
func OpenLedger(ctx context.Context, cfg *config.Config, db *sqlx.DB) (out.LedgerStore, func(), error) {
	switch cfg.LedgerDriver {
	case config.LedgerPostgres:
		if db == nil {
			return nil, nil, errors.New("postgres ledger needs a database handle")
		}
		ledger := persistence.NewPostgresLedger(db)
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		// db is owned by the caller
		return ledger, func() {}, nil
	case config.LedgerSQLite:
		ledger, err := persistence.OpenSQLiteLedger(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { ledger.Close() }, nil
	case config.LedgerMemory:
		return persistence.NewMemoryLedger(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}

// LoadCatalog returns the embedded catalog unless CATALOG_FILE overrides it.
func LoadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Default()
	}
	cat, err := catalog.LoadFile(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", cfg.CatalogFile, err)
	}
	return cat, nil
}

func NewLLMClient(cfg *config.Config, log zerolog.Logger) *llm.Client {
	return llm.NewClient(llm.ClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.LLMModel,
		BaseURL:    cfg.OpenAIBaseURL,
		HTTPClient: httputil.NewClient(httputil.CompletionClientConfig()),
	}, log)
}

func NewMailboxFactory(cfg *config.Config, m *metrics.ScanMetrics, log zerolog.Logger) *gmail.Factory {
	return gmail.NewFactory(gmail.Config{
		HTTPClient:  httputil.NewClient(httputil.MailboxClientConfig()),
		MaxAttempts: cfg.MailboxMaxAttempts,
		BackoffBase: cfg.MailboxBackoffBase,
		BackoffMax:  cfg.MailboxBackoffMax,
	}, m, log)
}

// NewPipeline maps the scan tunables onto the pipeline. progress may be nil.
func NewPipeline(cfg *config.Config, cat *catalog.Catalog, ledger out.LedgerStore, completer out.StructuredCompleter, m *metrics.ScanMetrics, progress billing.ProgressFunc, log zerolog.Logger) *billing.Pipeline {
	extractor := billing.NewInvoiceExtractor(completer, billing.ExtractorConfig{
		Timeout:         cfg.LLMTimeout,
		DefaultCurrency: cfg.DefaultCurrency,
		HTMLBudget:      cfg.BodyHTMLBudget,
	}, log)

	return billing.NewPipeline(cat, ledger, extractor, billing.PipelineConfig{
		PageSize:              cfg.ScanPageSize,
		MaxPages:              cfg.ScanMaxPages,
		QueryDelay:            cfg.ScanQueryDelay,
		CandidatesPerProvider: cfg.ScanCandidatesPerProvider,
		DefaultLookbackDays:   cfg.ScanLookbackDays,
		Batch: mailbox.Config{
			BatchSize:  cfg.ScanBatchSize,
			BatchDelay: cfg.ScanBatchDelay,
		},
		Discovery: billing.DiscoveryConfig{
			Enabled:    cfg.DiscoveryEnabled,
			TopSenders: cfg.DiscoveryTopSenders,
			MaxPages:   cfg.DiscoveryMaxPages,
			PageSize:   cfg.ScanPageSize,
		},
		Progress: progress,
	}, m, log)
}
