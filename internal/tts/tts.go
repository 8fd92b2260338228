package tts

import (
	"context"
	"errors"
)

// ErrClosed is returned when a client is used or closed after Close.
var ErrClosed = errors.New("tts: client closed")

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts one sentence to speech in the given language and returns
	// the complete audio artifact.
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}
