package generator

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"coursegen/internal/models"
)

var lessonStages = []string{
	"Foundations",
	"Core concepts",
	"Hands-on practice",
	"Common pitfalls",
	"Real-world application",
	"Review and next steps",
}

// Synthetic builds a deterministic outline without calling a model. Used for
// local runs and as the fallback of the OpenAI provider.
type Synthetic struct{}

func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (s *Synthetic) Generate(ctx context.Context, req Request) (models.Course, error) {
	if err := ctx.Err(); err != nil {
		return models.Course{}, err
	}
	topic := titleCase(req.Prompt)
	n := req.Lessons
	if n <= 0 {
		n = DefaultLessons
	}
	course := models.Course{
		Title:       topic,
		Description: fmt.Sprintf("A %s course on %s in %d lessons.", req.Level, strings.ToLower(topic), n),
		Level:       req.Level,
		Language:    req.Language,
		Lessons:     make([]models.Lesson, 0, n),
	}
	for i := 0; i < n; i++ {
		stage := lessonStages[i%len(lessonStages)]
		course.Lessons = append(course.Lessons, models.Lesson{
			Title:   fmt.Sprintf("Lesson %d: %s", i+1, stage),
			Summary: fmt.Sprintf("%s of %s.", stage, strings.ToLower(topic)),
			Objectives: []string{
				fmt.Sprintf("Explain the %s of %s", strings.ToLower(stage), strings.ToLower(topic)),
				fmt.Sprintf("Apply lesson %d in a short exercise", i+1),
			},
			Quiz: []models.QuizQuestion{{
				Question: fmt.Sprintf("Which stage does lesson %d cover?", i+1),
				Choices:  []string{stage, "None of the above"},
				Answer:   0,
			}},
		})
	}
	return course, nil
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
