package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, Options{Priorities: []string{"premium", "default"}, VisibilityTimeout: time.Minute})
	return q, mr
}

func TestLeaseHonoursPriority(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "low", "default", time.Time{}))
	require.NoError(t, q.Enqueue(ctx, "high", "premium", time.Time{}))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	id, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", id)
	id, err = q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low", id)

	id, err = q.Lease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	leased, err := q.LeasedDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, leased)
}

func TestUnknownPriorityFallsBackToLowest(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "j1", "gold", time.Time{}))
	list, err := mr.List("coursegen:ready:default")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, list)
	assert.Equal(t, "default", mr.HGet("coursegen:meta:j1", "priority"))
}

func TestScheduledJobsArePromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, "later", "premium", now.Add(time.Minute)))

	ids, err := q.PromoteScheduled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	now = now.Add(2 * time.Minute)
	ids, err = q.PromoteScheduled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, ids)

	id, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
}

func TestExpiredLeasesAreReclaimed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, "j1", "default", time.Time{}))
	id, err := q.Lease(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", id)

	ids, err := q.ReclaimExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	now = now.Add(2 * time.Minute)
	ids, err = q.ReclaimExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestAckAndCancel(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "j1", "default", time.Time{}))
	require.NoError(t, q.Enqueue(ctx, "j2", "default", time.Time{}))
	_, err := q.Lease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "j1"))
	assert.False(t, mr.Exists("coursegen:meta:j1"))

	require.NoError(t, q.Cancel(ctx, "j2"))
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	leased, err := q.LeasedDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, leased)
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.DLQPush(ctx, DeadLetter{JobID: "j1", Reason: "openai http_502", Attempts: 3}))
	require.NoError(t, q.DLQPush(ctx, DeadLetter{JobID: "j2", Reason: "timeout", Attempts: 3}))
	_, err := mr.Lpush("coursegen:dlq", "manual-id")
	require.NoError(t, err)

	entries, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "manual-id", entries[0].JobID)
	assert.Equal(t, "j2", entries[1].JobID)
	assert.Equal(t, "openai http_502", entries[2].Reason)
	assert.False(t, entries[2].At.IsZero())
}
