package models

// Course is the document produced by a completed course generation.
type Course struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Level       string   `json:"level"`
	Language    string   `json:"language,omitempty"`
	Lessons     []Lesson `json:"lessons"`
}

// Lesson is one unit of a course.
type Lesson struct {
	Title      string         `json:"title"`
	Summary    string         `json:"summary"`
	Objectives []string       `json:"objectives"`
	Quiz       []QuizQuestion `json:"quiz,omitempty"`
}

// QuizQuestion is a multiple choice question; Answer indexes Choices.
type QuizQuestion struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
	Answer   int      `json:"answer"`
}
