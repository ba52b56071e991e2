package usagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sink persists a batch of records. An error rejects the whole batch back
// onto the queue.
type Sink interface {
	WriteBatch(ctx context.Context, recs []UsageRecord) error
}

// ConsumerConfig tunes a Consumer. Zero values take the defaults.
type ConsumerConfig struct {
	BatchSize       int
	Workers         int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
}

func (c *ConsumerConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
}

// Consumer drains a Queue into a Sink.
type Consumer struct {
	queue *Queue
	sink  Sink
	cfg   ConsumerConfig
	log   *slog.Logger
}

func NewConsumer(q *Queue, sink Sink, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{queue: q, sink: sink, cfg: cfg, log: logger}
}

// Run blocks until ctx is canceled or a worker fails unrecoverably.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error { return c.work(ctx) })
	}
	g.Go(func() error { return c.reclaimLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) work(ctx context.Context) error {
	for {
		n, err := c.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WarnContext(ctx, "usage batch failed", slog.String("error", err.Error()))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := c.queue.Reclaim(ctx)
			if err != nil {
				c.log.WarnContext(ctx, "usage reclaim failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				c.log.InfoContext(ctx, "reclaimed expired usage leases", slog.Int("items", n))
			}
		}
	}
}

// ProcessOnce claims one batch, writes it and acks or rejects every item.
// It returns the number of items claimed.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	items, err := c.queue.Claim(ctx, c.cfg.BatchSize)
	if err != nil || len(items) == 0 {
		return 0, err
	}

	recs := make([]UsageRecord, 0, len(items))
	valid := make([]Item, 0, len(items))
	for _, it := range items {
		var r UsageRecord
		if err := json.Unmarshal(it.Payload, &r); err != nil {
			// Undecodable items would fail forever; drop them.
			c.log.ErrorContext(ctx, "dropping malformed usage record",
				slog.String("claim_id", it.ClaimID),
				slog.String("error", err.Error()),
			)
			c.settle(ctx, it, c.queue.Ack)
			continue
		}
		recs = append(recs, r)
		valid = append(valid, it)
	}
	if len(recs) == 0 {
		return len(items), nil
	}

	if err := c.sink.WriteBatch(ctx, recs); err != nil {
		for _, it := range valid {
			c.settle(ctx, it, c.queue.Reject)
		}
		return len(items), fmt.Errorf("usagelog: sink: %w", err)
	}
	for _, it := range valid {
		c.settle(ctx, it, c.queue.Ack)
	}
	return len(items), nil
}

func (c *Consumer) settle(ctx context.Context, it Item, fn func(context.Context, string) error) {
	if err := fn(context.WithoutCancel(ctx), it.ClaimID); err != nil {
		c.log.WarnContext(ctx, "usage settle failed",
			slog.String("claim_id", it.ClaimID),
			slog.String("error", err.Error()),
		)
	}
}
