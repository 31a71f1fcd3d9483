package generator

import (
	"context"
	"strings"
	"unicode/utf8"

	"coursegen/internal/models"
)

const (
	minPromptWords = 3
	maxPromptRunes = 2000
)

var blockedTopics = []string{
	"explosive",
	"malware",
	"ransomware",
	"self-harm",
	"weapon",
}

// CheckPrompt returns an *UnsuitableError when prompt cannot become a course.
func CheckPrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if len(strings.Fields(trimmed)) < minPromptWords {
		return &UnsuitableError{Reason: "Prompt is too short to build a course from. Describe the topic in a few more words."}
	}
	if utf8.RuneCountInString(trimmed) > maxPromptRunes {
		return &UnsuitableError{Reason: "Prompt is too long. Keep the course description under 2000 characters."}
	}
	lower := strings.ToLower(trimmed)
	for _, topic := range blockedTopics {
		if strings.Contains(lower, topic) {
			return &UnsuitableError{Reason: "This topic cannot be turned into a course."}
		}
	}
	return nil
}

type policyGenerator struct {
	next Generator
}

// WithPolicy rejects unsuitable prompts before they reach next.
func WithPolicy(next Generator) Generator {
	return &policyGenerator{next: next}
}

func (p *policyGenerator) Generate(ctx context.Context, req Request) (models.Course, error) {
	if err := CheckPrompt(req.Prompt); err != nil {
		return models.Course{}, err
	}
	return p.next.Generate(ctx, req)
}
