package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"coursegen/internal/config"
	"coursegen/internal/models"
)

const (
	DefaultLessons = 5
	MaxLessons     = 20
)

// ErrUnsuitable marks prompts that must not be turned into a course. Matching
// errors end the job as unsuitable without retrying.
var ErrUnsuitable = errors.New("unsuitable prompt")

// UnsuitableError carries the reason shown to the user.
type UnsuitableError struct {
	Reason string
}

func (e *UnsuitableError) Error() string { return e.Reason }

func (e *UnsuitableError) Is(target error) bool { return target == ErrUnsuitable }

// Request describes a course to generate.
type Request struct {
	Prompt   string
	Level    string
	Lessons  int
	Language string
}

// RequestFromOptions builds a Request from the free-form options of a job.
func RequestFromOptions(prompt string, opts map[string]any) Request {
	req := Request{
		Prompt:   strings.TrimSpace(prompt),
		Level:    "beginner",
		Lessons:  DefaultLessons,
		Language: "en",
	}
	if v, ok := opts["level"].(string); ok && v != "" {
		req.Level = strings.ToLower(v)
	}
	if v, ok := opts["language"].(string); ok && v != "" {
		req.Language = v
	}
	if n, ok := asInt(opts["lessons"]); ok && n > 0 {
		req.Lessons = n
	}
	if req.Lessons > MaxLessons {
		req.Lessons = MaxLessons
	}
	return req
}

// Generator produces a course for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (models.Course, error)
}

// New picks the provider named by cfg.GeneratorProvider, falling back to the
// synthetic generator when the OpenAI key is missing. Every provider is wrapped
// with the content policy.
func New(cfg config.Config, logger zerolog.Logger) (Generator, error) {
	synthetic := NewSynthetic()
	switch strings.ToLower(cfg.GeneratorProvider) {
	case "", "synthetic":
		return WithPolicy(synthetic), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			logger.Warn().Msg("generator: OPENAI_API_KEY missing, using synthetic courses")
			return WithPolicy(synthetic), nil
		}
		oa, err := NewOpenAI(OpenAIOptions{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.OpenAIModel,
			BaseURL:  cfg.OpenAIBaseURL,
			Timeout:  cfg.GeneratorTimeout,
			Fallback: synthetic,
			OnFallback: func(reason string, err error) {
				logger.Warn().Err(err).Str("reason", reason).Msg("generator: openai fallback")
			},
		})
		if err != nil {
			return nil, err
		}
		return WithPolicy(oa), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.GeneratorProvider)
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
