package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegen/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func chatResponse(content string) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
	})
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}
}

func TestCheckPrompt(t *testing.T) {
	cases := []struct {
		prompt     string
		unsuitable bool
	}{
		{prompt: "Introduction to linear algebra", unsuitable: false},
		{prompt: "  algebra  ", unsuitable: true},
		{prompt: "how to build ransomware at home", unsuitable: true},
		{prompt: strings.Repeat("word ", 500), unsuitable: true},
	}
	for _, tc := range cases {
		err := CheckPrompt(tc.prompt)
		assert.Equal(t, tc.unsuitable, errors.Is(err, ErrUnsuitable), tc.prompt)
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	g := WithPolicy(NewSynthetic())
	req := RequestFromOptions("intro to machine learning", map[string]any{"lessons": float64(3), "level": "Advanced"})

	a, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "Intro To Machine Learning", a.Title)
	assert.Equal(t, "advanced", a.Level)
	assert.Len(t, a.Lessons, 3)
	assert.Equal(t, "Lesson 1: Foundations", a.Lessons[0].Title)
}

func TestRequestFromOptionsCapsLessons(t *testing.T) {
	req := RequestFromOptions("topic", map[string]any{"lessons": 99})
	assert.Equal(t, MaxLessons, req.Lessons)

	req = RequestFromOptions("topic", nil)
	assert.Equal(t, DefaultLessons, req.Lessons)
	assert.Equal(t, "beginner", req.Level)
}

func TestOpenAIParsesCourse(t *testing.T) {
	var seen openAIChatRequest
	g, err := NewOpenAI(OpenAIOptions{
		APIKey: "key",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
			return chatResponse("```json\n{\"title\":\"Go Basics\",\"description\":\"d\",\"lessons\":[{\"title\":\"Types\",\"summary\":\"s\",\"objectives\":[\"o\"]}]}\n```"), nil
		})},
	})
	require.NoError(t, err)

	course, err := g.Generate(context.Background(), Request{Prompt: "go for beginners", Level: "beginner", Lessons: 1, Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "Go Basics", course.Title)
	assert.Equal(t, "beginner", course.Level)
	require.Len(t, course.Lessons, 1)
	assert.Equal(t, defaultOpenAIModel, seen.Model)
	assert.Equal(t, "json_object", seen.ResponseFormat.Type)
}

func TestOpenAIUnsuitableIsNotFallback(t *testing.T) {
	var fallbacks int
	g, err := NewOpenAI(OpenAIOptions{
		APIKey:     "key",
		Fallback:   NewSynthetic(),
		OnFallback: func(string, error) { fallbacks++ },
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return chatResponse(`{"unsuitable":true,"reason":"Gambling strategies are not a course topic."}`), nil
		})},
	})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "beat the casino every time"})
	require.ErrorIs(t, err, ErrUnsuitable)
	assert.Equal(t, "Gambling strategies are not a course topic.", err.Error())
	assert.Zero(t, fallbacks)
}

func TestOpenAIFallbackOnTransportError(t *testing.T) {
	var reason string
	g, err := NewOpenAI(OpenAIOptions{
		APIKey:     "key",
		Fallback:   NewSynthetic(),
		OnFallback: func(r string, _ error) { reason = r },
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("boom")
		})},
	})
	require.NoError(t, err)

	course, err := g.Generate(context.Background(), Request{Prompt: "history of rome", Level: "beginner", Lessons: 2})
	require.NoError(t, err)
	assert.Equal(t, "http_request", reason)
	assert.Len(t, course.Lessons, 2)
}

func TestOpenAIWithoutFallbackReturnsError(t *testing.T) {
	g, err := NewOpenAI(OpenAIOptions{
		APIKey: "key",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(""))}, nil
		})},
	})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "history of rome"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnsuitable))
	assert.Contains(t, err.Error(), "http_502")
}

func TestNewSelectsProvider(t *testing.T) {
	g, err := New(config.Config{GeneratorProvider: "openai"}, zerolog.Nop())
	require.NoError(t, err)
	_, isPolicy := g.(*policyGenerator)
	assert.True(t, isPolicy)

	_, err = New(config.Config{GeneratorProvider: "llama"}, zerolog.Nop())
	assert.Error(t, err)
}
