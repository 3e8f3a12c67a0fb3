// Package messaging provides the Redis Streams job queue for async scans.
package messaging

import (
	"context"
	"fmt"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamBillingScan = "billing:scan"

	dlqPrefix = "dlq:"
)

// approximate cap on stream length
const streamMaxLen = 10000

// RedisProducer implements out.ScanJobProducer using Redis Streams.
type RedisProducer struct {
	client redis.UniversalClient
}

func NewRedisProducer(client redis.UniversalClient) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishScan queues an async scan job.
func (p *RedisProducer) PublishScan(ctx context.Context, job *domain.ScanJob) error {
	return p.publish(ctx, StreamBillingScan, job)
}

func (p *RedisProducer) publish(ctx context.Context, stream string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var _ out.ScanJobProducer = (*RedisProducer)(nil)
