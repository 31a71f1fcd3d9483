package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coursegen/internal/models"
	"coursegen/internal/poller"
)

const maxErrorBody = 4 << 10

// Options configures the generation API client.
type Options struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTP talks to the generation API: POST /v1/generations and GET /v1/generations/{id}.
type HTTP struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

var _ poller.Client = (*HTTP)(nil)

func New(opts Options) *HTTP {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTP{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		userID:     strings.TrimSpace(opts.UserID),
		httpClient: client,
	}
}

type createResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Submit creates a generation job and returns its id. Every failure is a *poller.SubmissionError.
func (c *HTTP) Submit(ctx context.Context, req models.GenerationRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", &poller.SubmissionError{Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return "", &poller.SubmissionError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.decorate(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &poller.SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &poller.SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	var out createResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &poller.SubmissionError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &poller.SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if out.ID == "" {
		return "", &poller.SubmissionError{StatusCode: resp.StatusCode, Message: "server returned no job id"}
	}
	return out.ID, nil
}

// Status reads the job once. 404 is a *poller.NotFoundError; transport errors,
// other non-2xx statuses and malformed bodies are *poller.TransientPollError.
func (c *HTTP) Status(ctx context.Context, jobID string) (models.GenerationJob, error) {
	endpoint := c.baseURL + "/v1/generations/" + url.PathEscape(jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.GenerationJob{}, &poller.TransientPollError{JobID: jobID, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	c.decorate(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.GenerationJob{}, &poller.TransientPollError{JobID: jobID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.GenerationJob{}, &poller.NotFoundError{JobID: jobID}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.GenerationJob{}, &poller.TransientPollError{JobID: jobID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	job, err := DecodeStatus(resp.Body)
	if err != nil {
		return models.GenerationJob{}, &poller.TransientPollError{JobID: jobID, Err: err}
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

func (c *HTTP) decorate(r *http.Request) {
	if c.userID != "" {
		r.Header.Set("X-User-ID", c.userID)
	}
}

// DecodeStatus parses a status body. Only "process" and "message" are interpreted;
// every other field of a completed job becomes the result.
func DecodeStatus(r io.Reader) (models.GenerationJob, error) {
	var fields map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return models.GenerationJob{}, fmt.Errorf("decode status: %w", err)
	}
	process, _ := fields["process"].(string)
	if process == "" {
		return models.GenerationJob{}, errors.New("decode status: missing process field")
	}
	job := models.GenerationJob{State: models.State(process)}
	if id, ok := fields["id"].(string); ok {
		job.ID = id
	}
	switch job.State {
	case models.StateCompleted:
		result := make(map[string]any, len(fields))
		for k, v := range fields {
			if k == "process" || k == "message" || k == "id" {
				continue
			}
			result[k] = v
		}
		job.Result = result
	case models.StateError, models.StateUnsuitable:
		job.Message, _ = fields["message"].(string)
	}
	return job, nil
}

// EncodeStatus is the inverse of DecodeStatus.
func EncodeStatus(job models.GenerationJob) map[string]any {
	out := make(map[string]any, len(job.Result)+3)
	if job.State == models.StateCompleted {
		for k, v := range job.Result {
			out[k] = v
		}
	}
	out["id"] = job.ID
	out["process"] = string(job.State)
	if job.Message != "" {
		out["message"] = job.Message
	}
	return out
}
