package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"coursegen/internal/generator"
	"coursegen/internal/models"
	"coursegen/internal/storage"
)

// CourseHandler generates a course, stores the document and an optional cover.
type CourseHandler struct {
	gen      generator.Generator
	uploader storage.Uploader
	covers   *CoverRenderer
	log      zerolog.Logger
}

// NewCourseHandler builds the handler. covers may be nil to skip cover images.
func NewCourseHandler(gen generator.Generator, uploader storage.Uploader, covers *CoverRenderer, logger zerolog.Logger) *CourseHandler {
	return &CourseHandler{gen: gen, uploader: uploader, covers: covers, log: logger}
}

func (h *CourseHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	course, err := h.gen.Generate(ctx, generator.RequestFromOptions(job.Prompt, job.Options))
	if err != nil {
		return nil, err
	}

	doc, err := json.MarshalIndent(course, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode course: %w", err)
	}
	artifact, err := h.uploader.Upload(ctx, "courses/"+job.ID+".json", doc, "application/json")
	if err != nil {
		return nil, fmt.Errorf("store course: %w", err)
	}

	var courseFields map[string]any
	if err := json.Unmarshal(doc, &courseFields); err != nil {
		return nil, fmt.Errorf("decode course: %w", err)
	}
	result := map[string]any{
		"course":       courseFields,
		"artifact_url": artifact,
	}

	// A broken cover does not cost the user the course.
	if src, _ := job.Options["cover_url"].(string); h.covers != nil && strings.TrimSpace(src) != "" {
		loc, err := h.covers.Render(ctx, job.ID, strings.TrimSpace(src))
		if err != nil {
			h.log.Warn().Err(err).Str("job_id", job.ID).Msg("cover skipped")
			result["cover_error"] = err.Error()
		} else {
			result["cover_url"] = loc
		}
	}
	return result, nil
}
