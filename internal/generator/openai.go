package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coursegen/internal/models"
)

const openAIDefaultTimeout = 90 * time.Second

const defaultOpenAIModel = "gpt-4o-mini"

const courseSystemPrompt = `You design online courses. Reply with one JSON object only.
If the request is not a legitimate educational topic reply {"unsuitable": true, "reason": "<one sentence for the learner>"}.
Otherwise reply {"title": string, "description": string, "level": string, "lessons": [{"title": string, "summary": string, "objectives": [string], "quiz": [{"question": string, "choices": [string], "answer": number}]}]}.`

type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Fallback   Generator
	OnFallback func(reason string, err error)
}

// OpenAI generates courses through an OpenAI compatible chat/completions endpoint.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	fallback   Generator
	onFallback func(reason string, err error)
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *openAIFormat   `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelCoursePayload struct {
	models.Course
	Unsuitable bool   `json:"unsuitable"`
	Reason     string `json:"reason"`
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = openAIDefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAI{
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      model,
		baseURL:    baseURL,
		client:     client,
		fallback:   opts.Fallback,
		onFallback: opts.OnFallback,
	}, nil
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (models.Course, error) {
	payload := openAIChatRequest{
		Model:          o.model,
		Temperature:    0.4,
		ResponseFormat: &openAIFormat{Type: "json_object"},
		Messages: []openAIMessage{
			{Role: "system", Content: courseSystemPrompt},
			{Role: "user", Content: buildCoursePrompt(req)},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return o.useFallback(ctx, req, "encode_request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", &buf)
	if err != nil {
		return o.useFallback(ctx, req, "build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return o.useFallback(ctx, req, "http_request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return o.useFallback(ctx, req, fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("openai status %d", resp.StatusCode))
	}
	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return o.useFallback(ctx, req, "decode_response", err)
	}
	if len(out.Choices) == 0 {
		return o.useFallback(ctx, req, "empty_choices", errors.New("no choices"))
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return o.useFallback(ctx, req, "empty_response", errors.New("empty response"))
	}
	var parsed modelCoursePayload
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &parsed); err != nil {
		return o.useFallback(ctx, req, "parse_payload", err)
	}
	if parsed.Unsuitable {
		reason := strings.TrimSpace(parsed.Reason)
		if reason == "" {
			reason = "This topic cannot be turned into a course."
		}
		return models.Course{}, &UnsuitableError{Reason: reason}
	}
	if len(parsed.Lessons) == 0 {
		return o.useFallback(ctx, req, "no_lessons", errors.New("model returned no lessons"))
	}
	course := parsed.Course
	if course.Level == "" {
		course.Level = req.Level
	}
	if course.Language == "" {
		course.Language = req.Language
	}
	return course, nil
}

func (o *OpenAI) useFallback(ctx context.Context, req Request, reason string, err error) (models.Course, error) {
	if o.onFallback != nil {
		o.onFallback(reason, err)
	}
	if o.fallback == nil || ctx.Err() != nil {
		return models.Course{}, fmt.Errorf("openai %s: %w", reason, err)
	}
	return o.fallback.Generate(ctx, req)
}

func buildCoursePrompt(req Request) string {
	return fmt.Sprintf("Topic: %s\nLevel: %s\nLessons: %d\nLanguage: %s", req.Prompt, req.Level, req.Lessons, req.Language)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
