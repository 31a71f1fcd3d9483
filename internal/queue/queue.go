// Package queue coordinates ready, leased and scheduled generation jobs in Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"coursegen/internal/config"
)

const defaultPriority = "default"

// NewRedisClient builds the client shared by the queue and the rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

type Options struct {
	Prefix            string
	Priorities        []string
	VisibilityTimeout time.Duration
	DLQKey            string
}

// OptionsFromConfig maps runtime configuration onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:            "coursegen",
		Priorities:        cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQKey:            cfg.DLQName,
	}
}

// Queue keeps one ready list per priority, a leased zset scored by lease
// deadline and a scheduled zset scored by run time.
type Queue struct {
	client     *redis.Client
	prefix     string
	priorities []string
	visibility time.Duration
	dlqKey     string
	now        func() time.Time
}

func New(client *redis.Client, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "coursegen"
	}
	if len(opts.Priorities) == 0 {
		opts.Priorities = []string{defaultPriority}
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.DLQKey == "" {
		opts.DLQKey = opts.Prefix + ":dlq"
	}
	return &Queue{
		client:     client,
		prefix:     opts.Prefix,
		priorities: opts.Priorities,
		visibility: opts.VisibilityTimeout,
		dlqKey:     opts.DLQKey,
		now:        time.Now,
	}
}

func (q *Queue) readyPrefix() string      { return q.prefix + ":ready:" }
func (q *Queue) readyKey(p string) string { return q.readyPrefix() + p }
func (q *Queue) leasedKey() string        { return q.prefix + ":leased" }
func (q *Queue) scheduledKey() string     { return q.prefix + ":scheduled" }
func (q *Queue) metaPrefix() string       { return q.prefix + ":meta:" }
func (q *Queue) metaKey(id string) string { return q.metaPrefix() + id }

func (q *Queue) knownPriority(p string) string {
	for _, known := range q.priorities {
		if known == p {
			return p
		}
	}
	return q.priorities[len(q.priorities)-1]
}

// Enqueue makes a job ready now, or schedules it when runAt lies in the future.
func (q *Queue) Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error {
	if runAt.After(q.now()) {
		return q.Schedule(ctx, jobID, priority, runAt)
	}
	priority = q.knownPriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.RPush(ctx, q.readyKey(priority), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt. A lease held on it is released.
func (q *Queue) Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error {
	priority = q.knownPriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZRem(ctx, q.leasedKey(), jobID)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Lease pops the next job in priority order and holds it for the visibility
// timeout. An empty id means no job was ready.
func (q *Queue) Lease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.leasedKey())

	deadline := q.now().Add(q.visibility).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client, keys, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from lease script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline of an in-flight job forward.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.leasedKey(), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack forgets a job that reached a terminal status.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lists.
func (q *Queue) PromoteScheduled(ctx context.Context, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.scheduledKey(), limit)
}

// ReclaimExpired returns jobs whose lease ran out to their ready lists.
func (q *Queue) ReclaimExpired(ctx context.Context, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.leasedKey(), limit)
}

func (q *Queue) moveDue(ctx context.Context, key string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := moveDueScript.Run(ctx, q.client, []string{key},
		q.now().UnixMilli(), limit, q.metaPrefix(), q.readyPrefix(), q.priorities[len(q.priorities)-1]).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("move due from %s: %w", key, err)
	}
	return res, nil
}

// Cancel drops a job from every list and set.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.leasedKey(), jobID)
	pipe.ZRem(ctx, q.scheduledKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter is one entry of the dead-letter list.
type DeadLetter struct {
	JobID    string    `json:"job_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// DLQPush records a job that exhausted its attempts. Newest entries come first.
func (q *Queue) DLQPush(ctx context.Context, entry DeadLetter) error {
	if entry.At.IsZero() {
		entry.At = q.now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.dlqKey, raw)
	pipe.ZRem(ctx, q.leasedKey(), entry.JobID)
	pipe.Del(ctx, q.metaKey(entry.JobID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek returns up to count of the most recent dead letters.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// entries written by hand during incidents are kept as bare ids
			entry = DeadLetter{JobID: raw}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// LeasedDepth returns how many jobs are currently leased.
func (q *Queue) LeasedDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.leasedKey()).Result()
}

var leaseScript = redis.NewScript(`
local leased = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', leased, ARGV[1], job)
    return job
  end
end
return nil
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  local p = redis.call('HGET', ARGV[3] .. id, 'priority')
  if not p then p = ARGV[5] end
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', ARGV[4] .. p, id)
end
return ids
`)
