package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"billscan_worker/config"
	"billscan_worker/core/agent/llm"
	"billscan_worker/core/domain"
	"billscan_worker/core/service/billing"
	"billscan_worker/infra/database"
	"billscan_worker/internal/bootstrap"
	"billscan_worker/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type scanOptions struct {
	user     string
	token    string
	locale   string
	lookback int
	ledger   string
	asJSON   bool
	quiet    bool
}

func scanCmd() *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan against a mailbox and print the detected services",
		Example: `  billscan scan --user 2f0c... --token "$MAILBOX_TOKEN" --locale Córdoba
  billscan scan --user 2f0c... --ledger memory --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.user, "user", "", "user id (uuid) the ledger is keyed by")
	f.StringVar(&opts.token, "token", os.Getenv("MAILBOX_TOKEN"), "mailbox OAuth access token (default $MAILBOX_TOKEN)")
	f.StringVar(&opts.locale, "locale", "", "city or region code, e.g. Rosario or SF")
	f.IntVar(&opts.lookback, "lookback", 0, "days of mail to scan (default SCAN_LOOKBACK_DAYS)")
	f.StringVar(&opts.ledger, "ledger", config.LedgerSQLite, "ledger store: memory, sqlite or postgres")
	f.BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	f.BoolVar(&opts.quiet, "quiet", false, "hide the progress bar")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runScan(cmd *cobra.Command, opts scanOptions) error {
	userID, err := uuid.Parse(opts.user)
	if err != nil {
		return fmt.Errorf("--user must be a uuid: %w", err)
	}
	if strings.TrimSpace(opts.token) == "" {
		return errors.New("--token or MAILBOX_TOKEN is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg.LedgerDriver = strings.ToLower(opts.ledger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}

	log := logger.Init(logger.Config{Level: cfg.LogLevel, Pretty: true, Output: os.Stderr, Service: "billscan-cli"})
	ctx := cmd.Context()

	var db *sqlx.DB
	if cfg.LedgerDriver == config.LedgerPostgres {
		db, err = database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			return err
		}
		defer db.Close()
	}
	ledger, closeLedger, err := bootstrap.OpenLedger(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeLedger()

	cat, err := bootstrap.LoadCatalog(cfg)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	var progress billing.ProgressFunc
	if !opts.quiet {
		bar = newStageBar(cmd.ErrOrStderr())
		progress = stageProgress(bar)
	}

	completer := bootstrap.NewLLMClient(cfg, log)
	pipeline := bootstrap.NewPipeline(cfg, cat, ledger, completer, nil, progress, log)
	mailboxes := bootstrap.NewMailboxFactory(cfg, nil, log)

	client, err := mailboxes.ForCredential(ctx, opts.token)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := pipeline.Scan(ctx, client, domain.ScanRequest{
		UserID:       userID,
		Locale:       opts.locale,
		LookbackDays: opts.lookback,
		Now:          started,
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	printUsage(cmd.ErrOrStderr(), completer.Usage(), time.Since(started))

	stdout := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printServices(stdout, result)
	return nil
}

func newStageBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(len(billing.Stages),
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan]scanning[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

// stageProgress moves the bar to the stage that just started.
func stageProgress(bar *progressbar.ProgressBar) billing.ProgressFunc {
	index := make(map[string]int, len(billing.Stages))
	for i, s := range billing.Stages {
		index[s] = i
	}
	return func(stage string) {
		bar.Describe("[cyan]" + strings.ReplaceAll(stage, "_", " ") + "[reset]")
		_ = bar.Set(index[stage])
	}
}

func printServices(w io.Writer, result *domain.ScanResult) {
	if len(result.Services) == 0 {
		fmt.Fprintln(w, "No recurring billing services found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCATEGORY\tFREQUENCY\tAMOUNT\tDUE\tEMAILS\tLAST EMAIL\tSOURCE")
	for _, s := range result.Services {
		amount := "-"
		if s.Amount != nil {
			amount = fmt.Sprintf("%.2f %s", *s.Amount, s.Currency)
		}
		due := s.DueDate
		if due == "" {
			due = "-"
		}
		source := "catalog"
		if s.Discovered {
			source = "discovered"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Name, s.Category, s.Frequency, amount, due, s.EmailCount,
			s.LatestEmailDate.Format("2006-01-02"), source)
	}
	tw.Flush()

	st := result.Stats
	fmt.Fprintf(w, "\n%d services | %d listed, %d new, %d matched, %d bodies, %d completions, %d regex fallbacks, %d ledger rows\n",
		len(result.Services), st.Listed, st.Listed-st.LedgerHits, st.Matched,
		st.BodiesFetched, st.CompletionCalls, st.RegexFallbacks, st.LedgerRows)
}

func printUsage(w io.Writer, usage *llm.CostTracker, elapsed time.Duration) {
	total := usage.Total()
	if total.Requests == 0 {
		return
	}

	bySchema := usage.BySchema()
	names := make([]string, 0, len(bySchema))
	for name := range bySchema {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "LLM: %d requests, %d in / %d out tokens, ~$%.4f (%s)\n",
		total.Requests, total.InputTokens, total.OutputTokens, total.CostUSD, elapsed.Round(time.Second))
	for _, name := range names {
		s := bySchema[name]
		fmt.Fprintf(w, "  %-24s %4d requests  $%.4f\n", name, s.Requests, s.CostUSD)
	}
}
