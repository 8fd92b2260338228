package llm

import "context"

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Accuracy trades creativity for precision. It maps to a sampling temperature.
type Accuracy string

const (
	AccuracyHigh   Accuracy = "high"
	AccuracyMedium Accuracy = "medium"
	AccuracyLow    Accuracy = "low"
)

// Temperature returns the sampling temperature for the accuracy level.
// Unknown levels behave like AccuracyMedium.
func (a Accuracy) Temperature() float64 {
	switch a {
	case AccuracyHigh:
		return 0.2
	case AccuracyLow:
		return 0.9
	default:
		return 0.5
	}
}

// Request is one chat turn: the new prompt plus the prior conversation.
type Request struct {
	Prompt    string
	History   []Message
	Actor     string // role the assistant plays, DefaultActor when empty
	MaxTokens int
	Accuracy  Accuracy
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is a full, non-streamed answer.
type Completion struct {
	Content string
	Usage   Usage
}

// Client defines the interface for chat completion providers.
type Client interface {
	// Complete returns the whole answer at once.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream returns the answer as it is generated. The channel is closed when
	// the answer is complete or ctx is cancelled.
	Stream(ctx context.Context, req Request) (<-chan string, error)
}
