package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"

	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

type Config struct {
	Port      string `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	// Stores
	DatabaseURL  string `mapstructure:"database_url"`
	LedgerDriver string `mapstructure:"ledger_driver"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	RedisURL     string `mapstructure:"redis_url"`
	MongoURL     string `mapstructure:"mongo_url"`
	MongoDB      string `mapstructure:"mongo_db"`

	// Secrets
	JWTSecret     string `mapstructure:"jwt_secret"`
	EncryptionKey string `mapstructure:"encryption_key"`

	// LLM
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	LLMModel      string        `mapstructure:"llm_model"`
	LLMTimeout    time.Duration `mapstructure:"llm_timeout"`

	CatalogFile string `mapstructure:"catalog_file"`

	// Scan tunables
	ScanLookbackDays          int           `mapstructure:"scan_lookback_days"`
	ScanPageSize              int           `mapstructure:"scan_page_size"`
	ScanMaxPages              int           `mapstructure:"scan_max_pages"`
	ScanQueryDelay            time.Duration `mapstructure:"scan_query_delay"`
	ScanBatchSize             int           `mapstructure:"scan_batch_size"`
	ScanBatchDelay            time.Duration `mapstructure:"scan_batch_delay"`
	ScanCandidatesPerProvider int           `mapstructure:"scan_candidates_per_provider"`
	ScanLockTTL               time.Duration `mapstructure:"scan_lock_ttl"`
	ScanRateLimit             int           `mapstructure:"scan_rate_limit"`
	ScanWorkers               int           `mapstructure:"scan_workers"`
	DiscoveryEnabled          bool          `mapstructure:"discovery_enabled"`
	DiscoveryTopSenders       int           `mapstructure:"discovery_top_senders"`
	DiscoveryMaxPages         int           `mapstructure:"discovery_max_pages"`
	MailboxMaxAttempts        int           `mapstructure:"mailbox_max_attempts"`
	MailboxBackoffBase        time.Duration `mapstructure:"mailbox_backoff_base"`
	MailboxBackoffMax         time.Duration `mapstructure:"mailbox_backoff_max"`
	BodyHTMLBudget            int           `mapstructure:"body_html_budget"`
	DefaultCurrency           string        `mapstructure:"default_currency"`

	// Stream consumer
	ConsumerGroup string `mapstructure:"consumer_group"`
	ConsumerName  string `mapstructure:"consumer_name"`

	AllowedOrigins string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("mode", ModeAll)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetDefault("database_url", "")
	v.SetDefault("ledger_driver", LedgerPostgres)
	v.SetDefault("sqlite_path", "billscan.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("mongo_url", "")
	v.SetDefault("mongo_db", "billscan")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("encryption_key", "")

	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("llm_model", "gpt-4o-mini")
	v.SetDefault("llm_timeout", 30*time.Second)

	v.SetDefault("catalog_file", "")

	v.SetDefault("scan_lookback_days", 180)
	v.SetDefault("scan_page_size", 100)
	v.SetDefault("scan_max_pages", 3)
	v.SetDefault("scan_query_delay", 500*time.Millisecond)
	v.SetDefault("scan_batch_size", 5)
	v.SetDefault("scan_batch_delay", time.Second)
	v.SetDefault("scan_candidates_per_provider", 5)
	v.SetDefault("scan_lock_ttl", 10*time.Minute)
	v.SetDefault("scan_rate_limit", 10)
	v.SetDefault("scan_workers", 2)
	v.SetDefault("discovery_enabled", true)
	v.SetDefault("discovery_top_senders", 10)
	v.SetDefault("discovery_max_pages", 2)
	v.SetDefault("mailbox_max_attempts", 5)
	v.SetDefault("mailbox_backoff_base", time.Second)
	v.SetDefault("mailbox_backoff_max", 32*time.Second)
	v.SetDefault("body_html_budget", 12000)
	v.SetDefault("default_currency", "ARS")

	v.SetDefault("consumer_group", "billscan")
	v.SetDefault("consumer_name", generateWorkerID())

	v.SetDefault("allowed_origins", "*")
}

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Load reads .env (if present), then an optional YAML file, then the
// environment. path may be empty; BILLSCAN_CONFIG is used in that case.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("BILLSCAN_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LedgerDriver = strings.ToLower(cfg.LedgerDriver)
	cfg.DefaultCurrency = strings.ToUpper(cfg.DefaultCurrency)
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a scan.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]int{
		"SCAN_LOOKBACK_DAYS":           c.ScanLookbackDays,
		"SCAN_PAGE_SIZE":               c.ScanPageSize,
		"SCAN_MAX_PAGES":               c.ScanMaxPages,
		"SCAN_BATCH_SIZE":              c.ScanBatchSize,
		"SCAN_CANDIDATES_PER_PROVIDER": c.ScanCandidatesPerProvider,
		"DISCOVERY_TOP_SENDERS":        c.DiscoveryTopSenders,
		"DISCOVERY_MAX_PAGES":          c.DiscoveryMaxPages,
		"MAILBOX_MAX_ATTEMPTS":         c.MailboxMaxAttempts,
		"BODY_HTML_BUDGET":             c.BodyHTMLBudget,
		"SCAN_RATE_LIMIT":              c.ScanRateLimit,
		"SCAN_WORKERS":                 c.ScanWorkers,
	}
	for key, val := range positive {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, val))
		}
	}
	if c.ScanPageSize > 500 {
		errs = append(errs, fmt.Errorf("SCAN_PAGE_SIZE must be at most 500, got %d", c.ScanPageSize))
	}
	if c.MailboxBackoffBase <= 0 || c.MailboxBackoffMax < c.MailboxBackoffBase {
		errs = append(errs, errors.New("MAILBOX_BACKOFF_BASE must be positive and not exceed MAILBOX_BACKOFF_MAX"))
	}
	if c.ScanLockTTL <= 0 {
		errs = append(errs, errors.New("SCAN_LOCK_TTL must be positive"))
	}

	switch c.Mode {
	case ModeAPI, ModeWorker, ModeAll:
	default:
		errs = append(errs, fmt.Errorf("MODE must be api, worker or all, got %q", c.Mode))
	}
	switch c.LedgerDriver {
	case LedgerPostgres, LedgerSQLite, LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DRIVER must be postgres, sqlite or memory, got %q", c.LedgerDriver))
	}
	if len(c.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("DEFAULT_CURRENCY must be an ISO 4217 code, got %q", c.DefaultCurrency))
	}

	return errors.Join(errs...)
}

// ValidateServer checks what `serve` needs on top of Validate.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Mode != ModeWorker && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required for the API"))
	}
	if c.MongoURL == "" {
		errs = append(errs, errors.New("MONGO_URL is required to store scan reports"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.Mode != ModeAPI && (c.RedisURL == "" || c.EncryptionKey == "") {
		errs = append(errs, errors.New("REDIS_URL and ENCRYPTION_KEY are required to run the worker"))
	}
	if c.LedgerDriver == LedgerPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
	}
	return errors.Join(errs...)
}

// Origins splits AllowedOrigins for the CORS middleware.
func (c *Config) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}
