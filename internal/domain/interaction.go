package domain

import "time"

// InteractionOutcome classifies how a request ended.
type InteractionOutcome string

const (
	OutcomeSuccess   InteractionOutcome = "success"
	OutcomeError     InteractionOutcome = "error"
	OutcomeCancelled InteractionOutcome = "cancelled"
)

// Interaction is the analytics record of one completion request. It is
// emitted once, after the request finishes, and carries no message content.
type Interaction struct {
	RequestID     string             `json:"request_id"`
	UserID        string             `json:"user_id,omitempty"`
	Model         string             `json:"model"`
	Backend       Backend            `json:"backend"`
	Streaming     bool               `json:"streaming"`
	Usage         Usage              `json:"usage"`
	ExecutedTools []string           `json:"executed_tools,omitempty"`
	Outcome       InteractionOutcome `json:"outcome"`
	Error         string             `json:"error,omitempty"`
	Duration      time.Duration      `json:"duration_ns"`
	CreatedAt     time.Time          `json:"created_at"`
}
