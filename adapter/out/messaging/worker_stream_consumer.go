package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrPoison marks a message that can never succeed. It goes to the DLQ
// without waiting for redeliveries.
var ErrPoison = errors.New("poison message")

// JobHandler processes jobs from streams.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// Consumer consumes messages from Redis Streams as part of a consumer group.
type Consumer struct {
	client   redis.UniversalClient
	group    string
	consumer string
	streams  []string
	handler  JobHandler
	log      zerolog.Logger

	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	maxDeliveries        int
	block                time.Duration
	workers              int
	drainTimeout         time.Duration

	deliveries *pool.WorkerGroup[delivery]
}

// delivery is one stream message handed to the worker group.
type delivery struct {
	stream string
	msg    redis.XMessage
}

type deliveryWorker struct {
	consumer *Consumer
}

// Do implements pool.Worker.
func (w deliveryWorker) Do(ctx context.Context, d delivery) error {
	w.consumer.handle(ctx, d.stream, d.msg)
	return nil
}

type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	// zero values take the defaults
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxDeliveries        int
	// concurrent scans per process
	Workers int
	// how long Run waits for in-flight scans after ctx is cancelled
	DrainTimeout time.Duration
}

func NewConsumer(client redis.UniversalClient, cfg *ConsumerConfig) *Consumer {
	pendingCheckInterval := cfg.PendingCheckInterval
	if pendingCheckInterval == 0 {
		pendingCheckInterval = 30 * time.Second
	}

	// scans can take minutes; do not steal a message from a live worker
	pendingIdleTime := cfg.PendingIdleTime
	if pendingIdleTime == 0 {
		pendingIdleTime = 15 * time.Minute
	}

	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries == 0 {
		maxDeliveries = 3
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = time.Minute
	}

	return &Consumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		streams:              cfg.Streams,
		handler:              cfg.Handler,
		log:                  cfg.Logger.With().Str("component", "stream_consumer").Logger(),
		pendingCheckInterval: pendingCheckInterval,
		pendingIdleTime:      pendingIdleTime,
		maxDeliveries:        maxDeliveries,
		block:                5 * time.Second,
		workers:              workers,
		drainTimeout:         drainTimeout,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Strs("streams", c.streams).
		Msg("starting consumer")

	for _, stream := range c.streams {
		c.createConsumerGroup(ctx, stream)
	}

	// in-flight scans outlive ctx until the drain deadline
	c.deliveries = pool.New[delivery](c.workers, deliveryWorker{consumer: c}).
		WithBatchSize(0). // one job per Submit, never held back for a batch
		WithWorkerChanSize(1).
		WithContinueOnError()
	if err := c.deliveries.Go(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start consumer workers: %w", err)
	}
	defer c.drain()

	var claimer sync.WaitGroup
	claimer.Add(1)
	go func() {
		defer claimer.Done()
		c.processPendingMessages(ctx)
	}()
	// no Submit may race the pool Close in drain
	defer claimer.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.readMessages(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				c.deliveries.Submit(delivery{stream: stream.Stream, msg: msg})
			}
		}
	}
}

func (c *Consumer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	if err := c.deliveries.Close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("consumer workers did not drain")
		return
	}
	c.log.Info().Msg("consumer stopped")
}

// handle processes one message and acks it unless it should be redelivered.
func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) {
	err := c.processMessage(ctx, stream, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrPoison):
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("poison message")
		if dlqErr := c.moveToDeadLetterQueue(ctx, stream, msg, err.Error()); dlqErr != nil {
			c.log.Error().Err(dlqErr).Str("id", msg.ID).Msg("error moving message to DLQ")
			return
		}
	default:
		// left pending; the claim loop redelivers it
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error processing message")
		return
	}

	if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error acknowledging message")
	}
}

func (c *Consumer) processPendingMessages(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	c.log.Info().
		Dur("check_interval", c.pendingCheckInterval).
		Dur("idle_time", c.pendingIdleTime).
		Int("max_deliveries", c.maxDeliveries).
		Msg("starting pending message processor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndProcessPending(ctx)
		}
	}
}

// claimAndProcessPending claims messages whose consumer stalled and retries them.
func (c *Consumer) claimAndProcessPending(ctx context.Context) {
	for _, stream := range c.streams {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Idle:   c.pendingIdleTime,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.log.Error().Err(err).Str("stream", stream).Msg("error getting pending messages")
			}
			continue
		}

		for _, p := range pending {
			if p.Idle < c.pendingIdleTime {
				continue
			}

			claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.pendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
				continue
			}

			for _, msg := range claimed {
				if int(p.RetryCount) >= c.maxDeliveries {
					c.log.Warn().
						Str("stream", stream).
						Str("id", msg.ID).
						Int64("deliveries", p.RetryCount).
						Msg("message exceeded max deliveries, moving to DLQ")
					if err := c.moveToDeadLetterQueue(ctx, stream, msg, "max deliveries exceeded"); err != nil {
						c.log.Error().Err(err).Str("id", msg.ID).Msg("error moving message to DLQ")
						continue
					}
					c.client.XAck(ctx, stream, c.group, msg.ID)
					continue
				}

				c.log.Info().
					Str("stream", stream).
					Str("id", msg.ID).
					Str("previous_consumer", p.Consumer).
					Dur("idle", p.Idle).
					Msg("reprocessing stalled message")
				c.deliveries.Submit(delivery{stream: stream, msg: msg})
			}
		}
	}
}

func (c *Consumer) createConsumerGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
	}
}

func (c *Consumer) readMessages(ctx context.Context) ([]redis.XStream, error) {
	if len(c.streams) == 0 {
		return nil, nil
	}

	args := make([]string, len(c.streams)*2)
	for i, stream := range c.streams {
		args[i] = stream
		args[len(c.streams)+i] = ">"
	}

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    int64(c.workers),
		Block:    c.block,
	}).Result()
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage) error {
	data, err := messageData(msg)
	if err != nil {
		return err
	}
	return c.handler.Handle(ctx, stream, data)
}

func messageData(msg redis.XMessage) ([]byte, error) {
	data, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing data field", ErrPoison)
	}
	dataStr, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("%w: data is not a string", ErrPoison)
	}
	return []byte(dataStr), nil
}

// moveToDeadLetterQueue copies a message to dlq:{stream} with failure metadata.
func (c *Consumer) moveToDeadLetterQueue(ctx context.Context, stream string, msg redis.XMessage, reason string) error {
	dlqStream := dlqPrefix + stream
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: deadLetterValues(stream, c.group, c.consumer, msg, reason, time.Now()),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}

	c.log.Info().
		Str("dlq_stream", dlqStream).
		Str("original_id", msg.ID).
		Msg("message moved to DLQ")
	return nil
}

func deadLetterValues(stream, group, consumer string, msg redis.XMessage, reason string, at time.Time) map[string]any {
	values := map[string]any{
		"original_stream": stream,
		"original_id":     msg.ID,
		"failed_at":       at.UTC().Format(time.RFC3339),
		"reason":          reason,
		"consumer":        consumer,
		"group":           group,
	}
	for k, v := range msg.Values {
		values["original_"+k] = v
	}
	return values
}
