package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegen/internal/config"
	"coursegen/internal/models"
)

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, reused, err := m.CreateJob(ctx, CreateJobParams{Prompt: "intro to statistics", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.KindCourse, job.Kind)
	assert.Equal(t, "default", job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.StatePending, got.Process())

	_, err = m.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	p := CreateJobParams{Prompt: "intro to statistics", IdempotencyKey: "k1", IdempotencyTTL: time.Hour}
	first, _, err := m.CreateJob(ctx, p)
	require.NoError(t, err)

	second, reused, err := m.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	now = now.Add(2 * time.Hour)
	third, reused, err := m.CreateJob(ctx, p)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestMemoryTerminalGuard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job, _, err := m.CreateJob(ctx, CreateJobParams{Prompt: "intro to statistics"})
	require.NoError(t, err)

	require.NoError(t, m.MarkInProgress(ctx, job.ID, "worker-1"))
	require.NoError(t, m.Complete(ctx, job.ID, map[string]any{"title": "Stats"}))

	assert.ErrorIs(t, m.Finish(ctx, job.ID, models.StatusFailed, "late failure"), ErrAlreadyTerminal)
	assert.ErrorIs(t, m.MarkCancelled(ctx, job.ID), ErrAlreadyTerminal)
	assert.ErrorIs(t, m.UpdateAttempts(ctx, job.ID, 2, time.Now(), "boom"), ErrAlreadyTerminal)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, "Stats", got.Result["title"])
	assert.Nil(t, got.Message)

	assert.ErrorIs(t, m.Complete(ctx, "missing", nil), ErrNotFound)
}

func TestMemoryFinishRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job, _, err := m.CreateJob(ctx, CreateJobParams{Prompt: "intro to statistics"})
	require.NoError(t, err)

	assert.Error(t, m.Finish(ctx, job.ID, models.StatusQueued, "nope"))
	assert.Error(t, m.Finish(ctx, job.ID, models.StatusSucceeded, "nope"))
}

func TestMemoryCancelAndRetry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job, _, err := m.CreateJob(ctx, CreateJobParams{Prompt: "intro to statistics"})
	require.NoError(t, err)

	next := time.Now().Add(time.Minute)
	require.NoError(t, m.UpdateAttempts(ctx, job.ID, 1, next, "upstream 502"))
	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, models.StatePending, got.Generation().State)

	visible, err := m.VisibleJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, visible)

	require.NoError(t, m.MarkCancelled(ctx, job.ID))
	got, err = m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	g := got.Generation()
	assert.Equal(t, models.StateError, g.State)
	assert.Equal(t, CancelledMessage, g.Message)
}

func TestMemoryAuditTrail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendAudit(ctx, "j1", "enqueued", ""))
	require.NoError(t, m.AppendAudit(ctx, "j1", "leased", "worker-1"))

	trail, err := m.AuditTrail(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "leased", trail[1].Event)
	assert.Equal(t, "worker-1", trail[1].Detail)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	opts := map[string]any{"level": "beginner"}
	job, _, err := m.CreateJob(ctx, CreateJobParams{Prompt: "intro to statistics", Options: opts})
	require.NoError(t, err)

	opts["level"] = "advanced"
	job.Options["lessons"] = 9

	result := map[string]any{"course": map[string]any{"title": "Intro To Statistics"}}
	require.NoError(t, m.Complete(ctx, job.ID, result))
	result["course"].(map[string]any)["title"] = "changed"

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"level": "beginner"}, got.Options)
	assert.Equal(t, "Intro To Statistics", got.Result["course"].(map[string]any)["title"])

	got.Result["course"].(map[string]any)["title"] = "mutated"
	again, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Intro To Statistics", again.Result["course"].(map[string]any)["title"])
}

func TestMemoryFindByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, found, err := m.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	job, _, err := m.CreateJob(ctx, CreateJobParams{Prompt: "intro to statistics", IdempotencyKey: "k1", IdempotencyTTL: time.Minute})
	require.NoError(t, err)

	got, found, err := m.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, got.ID)

	now = now.Add(2 * time.Minute)
	_, found, err = m.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenMemoryDriver(t *testing.T) {
	b, err := Open(context.Background(), config.Config{StoreDriver: "memory"})
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.(*Memory)
	assert.True(t, ok)

	_, err = Open(context.Background(), config.Config{StoreDriver: "sqlite"})
	assert.Error(t, err)
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	body, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS generation_jobs")
}
