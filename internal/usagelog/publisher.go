package usagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	pushTimeout   = 5 * time.Second
	pushRetries   = 3
)

// Publisher accepts finished usage records.
type Publisher interface {
	Publish(ctx context.Context, rec *UsageRecord) error
}

// AsyncPublisher batches records onto a Queue from a background goroutine
// so publishing never waits on Redis in the request path. When the buffer
// is full the record is pushed synchronously instead of being dropped.
type AsyncPublisher struct {
	queue *Queue

	// mu orders buffered sends before close: once closed is set under the
	// write lock, no send can land in ch after run has drained it.
	mu     sync.RWMutex
	closed bool
	ch     chan []byte
	done   chan struct{}
	wg     sync.WaitGroup

	published int64
	failed    int64

	baseCtx context.Context
	log     *slog.Logger
}

func NewAsyncPublisher(ctx context.Context, q *Queue, logger *slog.Logger) (*AsyncPublisher, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usagelog: context must not be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("usagelog: queue must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &AsyncPublisher{
		queue:   q,
		ch:      make(chan []byte, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: context.WithoutCancel(ctx),
		log:     logger,
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Publish encodes rec and hands it to the background flusher.
func (p *AsyncPublisher) Publish(ctx context.Context, rec *UsageRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("usagelog: encode record: %w", err)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return p.push(ctx, [][]byte{b})
	}
	select {
	case p.ch <- b:
		p.mu.RUnlock()
		return nil
	default:
		p.mu.RUnlock()
		p.log.WarnContext(ctx, "usage buffer full, publishing synchronously")
		return p.push(ctx, [][]byte{b})
	}
}

// Published is the number of records written to Redis.
func (p *AsyncPublisher) Published() int64 { return atomic.LoadInt64(&p.published) }

// Failed is the number of records that could not be written after retries.
func (p *AsyncPublisher) Failed() int64 { return atomic.LoadInt64(&p.failed) }

// Close flushes everything still buffered and stops the flusher.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *AsyncPublisher) push(ctx context.Context, batch [][]byte) error {
	var err error
	for attempt := 0; attempt < pushRetries; attempt++ {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		err = p.queue.PublishRaw(pctx, batch...)
		cancel()
		if err == nil {
			atomic.AddInt64(&p.published, int64(len(batch)))
			return nil
		}
		if attempt < pushRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}
	atomic.AddInt64(&p.failed, int64(len(batch)))
	p.log.ErrorContext(ctx, "usage publish failed",
		slog.Int("records", len(batch)),
		slog.String("error", err.Error()),
	)
	return err
}

func (p *AsyncPublisher) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([][]byte, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		_ = p.push(p.baseCtx, batch)
		batch = make([][]byte, 0, batchSize)
	}

	for {
		select {
		case b := <-p.ch:
			batch = append(batch, b)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-p.done:
			for {
				select {
				case b := <-p.ch:
					batch = append(batch, b)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
