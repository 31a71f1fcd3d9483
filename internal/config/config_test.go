package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("POLL_TIMEOUT", "")

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.PollTimeout)
	assert.Equal(t, []string{"premium", "default"}, cfg.PriorityQueues)
	assert.Equal(t, "synthetic", cfg.GeneratorProvider)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("PRIORITY_QUEUES", " high , ,low")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "not-a-number")

	cfg := Load()
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, []string{"high", "low"}, cfg.PriorityQueues)
	assert.True(t, cfg.ArtifactS3PathStyle)
	assert.Equal(t, 0.1, cfg.RateLimitRefill)
}
