package usagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is how long a claimed item stays with its consumer.
const DefaultLeaseTTL = 5 * time.Minute

// claimScript moves up to ARGV[1] items from the tail of the main list into
// processing slots, leasing each until ARGV[2] (unix ms).
// KEYS[1] = main list
// KEYS[2] = lease sorted set (member = claim id, score = deadline)
// KEYS[3] = processing hash (field = claim id, value = item)
// ARGV[3] = claim id prefix
// Returns a flat list of claim id, item pairs.
var claimScript = redis.NewScript(`
	local out = {}
	for i = 1, tonumber(ARGV[1]) do
		local item = redis.call('RPOP', KEYS[1])
		if not item then
			break
		end
		local id = ARGV[3] .. ':' .. i
		redis.call('HSET', KEYS[3], id, item)
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		out[#out + 1] = id
		out[#out + 1] = item
	end
	return out
`)

// ackScript drops the processing slot ARGV[1]. Returns 1 if it existed.
var ackScript = redis.NewScript(`
	redis.call('ZREM', KEYS[1], ARGV[1])
	return redis.call('HDEL', KEYS[2], ARGV[1])
`)

// rejectScript pushes the slot's item back onto the head of the main list
// and drops the slot. Returns 1 if it existed.
// KEYS[1] = main list, KEYS[2] = lease set, KEYS[3] = processing hash
var rejectScript = redis.NewScript(`
	local item = redis.call('HGET', KEYS[3], ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	if not item then
		return 0
	end
	redis.call('LPUSH', KEYS[1], item)
	redis.call('HDEL', KEYS[3], ARGV[1])
	return 1
`)

// reclaimScript returns every slot whose lease ended before ARGV[1] to the
// tail of the main list, so it is the next item claimed.
var reclaimScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
	local n = 0
	for _, id in ipairs(ids) do
		local item = redis.call('HGET', KEYS[3], id)
		if item then
			redis.call('RPUSH', KEYS[1], item)
			redis.call('HDEL', KEYS[3], id)
			n = n + 1
		end
		redis.call('ZREM', KEYS[2], id)
	end
	return n
`)

// ErrLeaseLost is returned by Ack and Reject when the claim no longer
// exists, typically because its lease expired and it was reclaimed.
var ErrLeaseLost = errors.New("usagelog: lease lost")

// Item is one claimed queue entry.
type Item struct {
	ClaimID string
	Payload []byte
}

// Queue is a durable FIFO of usage records in Redis, one per environment.
type Queue struct {
	client   redis.UniversalClient
	main     string
	leases   string
	inflight string
	leaseTTL time.Duration
	now      func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithLeaseTTL(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

// WithQueueClock overrides time.Now for lease deadlines.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// QueueKey is the main list for environment env.
func QueueKey(env string) string {
	return "llm-gateway:" + env + ":usage"
}

func NewQueue(client redis.UniversalClient, env string, opts ...QueueOption) *Queue {
	main := QueueKey(env)
	q := &Queue{
		client:   client,
		main:     main,
		leases:   main + ":leases",
		inflight: main + ":processing",
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Publish pushes rec onto the head of the queue.
func (q *Queue) Publish(ctx context.Context, rec *UsageRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("usagelog: encode record: %w", err)
	}
	return q.PublishRaw(ctx, b)
}

// PublishRaw pushes pre-encoded records in one round trip.
func (q *Queue) PublishRaw(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]any, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}
	if err := q.client.LPush(ctx, q.main, vals...).Err(); err != nil {
		return fmt.Errorf("usagelog: publish: %w", err)
	}
	return nil
}

// Claim leases up to n items, oldest first.
func (q *Queue) Claim(ctx context.Context, n int) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}
	deadline := q.now().Add(q.leaseTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.main, q.leases, q.inflight},
		n, deadline, uuid.NewString(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("usagelog: claim: %w", err)
	}

	items := make([]Item, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		items = append(items, Item{ClaimID: res[i], Payload: []byte(res[i+1])})
	}
	return items, nil
}

// Ack completes a claim and removes the item for good.
func (q *Queue) Ack(ctx context.Context, claimID string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.leases, q.inflight}, claimID).Int()
	if err != nil {
		return fmt.Errorf("usagelog: ack: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reject returns a claimed item to the queue for another attempt.
func (q *Queue) Reject(ctx context.Context, claimID string) error {
	n, err := rejectScript.Run(ctx, q.client, []string{q.main, q.leases, q.inflight}, claimID).Int()
	if err != nil {
		return fmt.Errorf("usagelog: reject: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reclaim returns items whose lease has expired to the queue and reports
// how many were moved.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := reclaimScript.Run(ctx, q.client, []string{q.main, q.leases, q.inflight}, now).Int()
	if err != nil {
		return 0, fmt.Errorf("usagelog: reclaim: %w", err)
	}
	return n, nil
}

// Length is the number of unclaimed items.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.main).Result()
}

// InFlight is the number of claimed, unacknowledged items.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.leases).Result()
}
