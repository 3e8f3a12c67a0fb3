// Package mailbox fetches message metadata and bodies in small bounded batches.
package mailbox

import (
	"context"
	"time"

	"billscan_worker/core/port/out"
	"billscan_worker/pkg/retry"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = time.Second
)

// MetadataHeaders is the header allow-list requested for candidate messages.
var MetadataHeaders = []string{"From", "Subject", "Date"}

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Result is one fetched item aligned with its input id. Value is only
// meaningful when Err is nil.
type Result[T any] struct {
	ID    string
	Value T
	Err   error
}

// BatchFetcher splits ids into fixed-size chunks, fetches each chunk
// concurrently, and waits a fixed delay between chunks.
type BatchFetcher struct {
	client out.MailboxClient
	size   int
	delay  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	log    zerolog.Logger
}

func NewBatchFetcher(client out.MailboxClient, cfg Config, log zerolog.Logger) *BatchFetcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.SleepContext
	}
	return &BatchFetcher{
		client: client,
		size:   cfg.BatchSize,
		delay:  cfg.BatchDelay,
		sleep:  cfg.Sleep,
		log:    log,
	}
}

// FetchMetadata returns one result per id, in input order.
func (f *BatchFetcher) FetchMetadata(ctx context.Context, ids []string) ([]Result[*out.MessageMetadata], error) {
	return fetchBatched(ctx, f, ids, func(ctx context.Context, id string) (*out.MessageMetadata, error) {
		return f.client.GetMetadata(ctx, id, MetadataHeaders)
	})
}

// FetchFull returns one result per id, in input order.
func (f *BatchFetcher) FetchFull(ctx context.Context, ids []string) ([]Result[*out.FullMessage], error) {
	return fetchBatched(ctx, f, ids, f.client.GetFull)
}

// fetchBatched only returns an error when ctx ends; per-item failures are
// reported in their Result.
func fetchBatched[T any](ctx context.Context, f *BatchFetcher, ids []string, fetch func(context.Context, string) (T, error)) ([]Result[T], error) {
	results := make([]Result[T], len(ids))
	for start := 0; start < len(ids); start += f.size {
		if start > 0 && f.delay > 0 {
			if err := f.sleep(ctx, f.delay); err != nil {
				return results, err
			}
		}
		end := start + f.size
		if end > len(ids) {
			end = len(ids)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				v, err := fetch(ctx, ids[i])
				results[i] = Result[T]{ID: ids[i], Value: v, Err: err}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		f.log.Warn().Int("failed", failed).Int("total", len(ids)).Msg("batched fetch finished with failures")
	}
	return results, nil
}
