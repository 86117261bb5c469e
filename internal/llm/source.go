// Package llm streams text fragments from a language model.
package llm

import "context"

// Prompt is one user turn
type Prompt struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	System    string `json:"-"` // System prompt, used by chat-completion sources
}

// Source streams the reply to a prompt as text fragments. The fragment
// channel is closed when the reply ends; the error channel then yields at
// most one error and is closed.
type Source interface {
	Stream(ctx context.Context, prompt Prompt) (<-chan string, <-chan error)
}
