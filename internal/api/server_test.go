package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegen/internal/config"
	"coursegen/internal/models"
	"coursegen/internal/queue"
	"coursegen/internal/ratelimit"
	"coursegen/internal/store"
)

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	queue *queue.Queue
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{MaxAttempts: 3, IdempotencyTTL: time.Hour, PriorityQueues: []string{"premium", "default"}}
	st := store.NewMemory()
	q := queue.New(rdb, queue.Options{Priorities: cfg.PriorityQueues})
	limiter := ratelimit.NewTokenBucket(rdb, capacity, 0)

	srv := httptest.NewServer(New(cfg, st, q, limiter, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, queue: q}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestCreateEnqueuesAndReportsPending(t *testing.T) {
	f := newFixture(t, 10)

	resp, body := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry","options":{"lessons":4}}`, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	depth, err := f.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, models.KindCourse, job.Kind)

	resp, body = f.get(t, "/v1/generations/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["process"])
	assert.Equal(t, id, body["id"])
	assert.NotContains(t, body, "message")
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 10)

	resp, body := f.post(t, "/v1/generations", `{"prompt":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "prompt is required", body["error"])

	resp, body = f.post(t, "/v1/generations", `{"prompt":"x y z","kind":"video"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unsupported kind")

	resp, _ = f.post(t, "/v1/generations", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	headers := map[string]string{"X-User-ID": "u1"}

	resp, _ := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, headers)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestCreateIdempotencyKey(t *testing.T) {
	f := newFixture(t, 10)
	headers := map[string]string{"Idempotency-Key": "abc"}

	_, first := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, headers)
	_, second := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, headers)
	assert.Equal(t, first["id"], second["id"])

	depth, err := f.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestIdempotentReplaySkipsRateLimit(t *testing.T) {
	f := newFixture(t, 1)
	headers := map[string]string{"X-User-ID": "u1", "Idempotency-Key": "retry-1"}

	resp, first := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, headers)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// the bucket is empty now; replays of the keyed request still resolve
	for i := 0; i < 3; i++ {
		resp, again := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, headers)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, first["id"], again["id"])
	}

	resp, _ = f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStatusNotFound(t *testing.T) {
	f := newFixture(t, 10)

	resp, body := f.get(t, "/v1/generations/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "generation nope not found", body["error"])
}

func TestStatusCompletedIsStable(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	job, _, err := f.store.CreateJob(ctx, store.CreateJobParams{Prompt: "intro to organic chemistry"})
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, job.ID, map[string]any{"title": "Organic Chemistry", "lessons": 4}))

	for i := 0; i < 3; i++ {
		resp, body := f.get(t, "/v1/generations/"+job.ID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "completed", body["process"])
		assert.Equal(t, "Organic Chemistry", body["title"])
		assert.EqualValues(t, 4, body["lessons"])
	}
}

func TestStatusUnsuitableAndError(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	unsuitable, _, err := f.store.CreateJob(ctx, store.CreateJobParams{Prompt: "how to build malware"})
	require.NoError(t, err)
	require.NoError(t, f.store.Finish(ctx, unsuitable.ID, models.StatusUnsuitable, "This topic cannot be turned into a course."))

	failed, _, err := f.store.CreateJob(ctx, store.CreateJobParams{Prompt: "intro to organic chemistry"})
	require.NoError(t, err)
	require.NoError(t, f.store.Finish(ctx, failed.ID, models.StatusDeadLetter, "openai http_502"))

	_, body := f.get(t, "/v1/generations/"+unsuitable.ID)
	assert.Equal(t, "unsuitable", body["process"])
	assert.Equal(t, "This topic cannot be turned into a course.", body["message"])

	_, body = f.get(t, "/v1/generations/"+failed.ID)
	assert.Equal(t, "error", body["process"])
	assert.Equal(t, "openai http_502", body["message"])
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, created := f.post(t, "/v1/generations", `{"prompt":"intro to organic chemistry"}`, nil)
	id := created["id"].(string)

	resp, body := f.post(t, "/v1/generations/"+id+"/cancel", ``, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "error", body["process"])
	assert.Equal(t, store.CancelledMessage, body["message"])

	depth, err := f.queue.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	trail, err := f.store.AuditTrail(ctx, id)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "cancelled", trail[1].Event)
}

func TestCancelFinishedJobIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	job, _, err := f.store.CreateJob(ctx, store.CreateJobParams{Prompt: "intro to organic chemistry"})
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, job.ID, map[string]any{"title": "Organic Chemistry"}))

	resp, body := f.post(t, "/v1/generations/"+job.ID+"/cancel", ``, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["process"])
	assert.Equal(t, "Organic Chemistry", body["title"])

	resp, _ = f.post(t, "/v1/generations/missing/cancel", ``, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDLQAndHealth(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.queue.DLQPush(context.Background(), queue.DeadLetter{JobID: "j1", Reason: "boom", Attempts: 3}))

	resp, body := f.get(t, "/v1/dlq")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "j1", items[0].(map[string]any)["job_id"])

	resp, body = f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
