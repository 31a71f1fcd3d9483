package models

// State is the generation state reported by the status endpoint.
type State string

const (
	StatePending    State = "pending"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateUnsuitable State = "unsuitable"
)

// IsTerminal reports whether s can no longer change.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateUnsuitable
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s == StatePending || s.IsTerminal()
}

// GenerationRequest is the body accepted by the create endpoint.
type GenerationRequest struct {
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

// GenerationJob is the client-side view of a generation job.
// Result is set only when State is completed, Message only for error and unsuitable.
type GenerationJob struct {
	ID      string
	State   State
	Result  map[string]any
	Message string
}
