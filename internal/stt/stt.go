// Package stt turns buffered audio chunks into partial and final transcripts.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrEmptyAudio is returned when a step is requested with no audio buffered.
var ErrEmptyAudio = errors.New("stt: no audio")

// ErrAudioTooLarge is returned by Session.Submit when a chunk would grow the
// buffer past its cap. The buffered utterance is discarded.
var ErrAudioTooLarge = errors.New("stt: audio buffer too large")

// Segment is one utterance recognized in the audio, with times in seconds.
type Segment struct {
	Text       string
	Start      float64
	End        float64
	Confidence float64
}

// Recognition is the result of transcribing a whole audio buffer.
type Recognition struct {
	Segments []Segment
	Duration float64 // total audio length in seconds
}

// Recognizer transcribes a complete audio buffer.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte) (*Recognition, error)
}

// StepResult is what one transcription step produced.
type StepResult struct {
	Transcripts       []string
	TranscribedLength int
	Done              bool
	AudioSeconds      float64
}

// Transcriber applies the segment completion policy on top of a Recognizer.
type Transcriber struct {
	recognizer Recognizer
	endSilence time.Duration
	separator  string
}

// TranscriberConfig configures a Transcriber.
type TranscriberConfig struct {
	// EndSilence is the trailing silence after the last segment that ends the utterance.
	EndSilence time.Duration
	// Separator joins segment texts in the final transcript. Defaults to a space.
	Separator string
}

// NewTranscriber creates a Transcriber.
func NewTranscriber(recognizer Recognizer, cfg TranscriberConfig) *Transcriber {
	if cfg.EndSilence <= 0 {
		cfg.EndSilence = 1500 * time.Millisecond
	}
	if cfg.Separator == "" {
		cfg.Separator = " "
	}
	return &Transcriber{
		recognizer: recognizer,
		endSilence: cfg.EndSilence,
		separator:  cfg.Separator,
	}
}

// Step transcribes all buffered chunks. Every segment except the last is complete;
// complete segments at index transcribed and later are returned as partial
// transcripts. When the audio after the last segment is silent for at least
// EndSilence, the step is Done and carries a single transcript of the whole
// utterance.
func (t *Transcriber) Step(ctx context.Context, chunks [][]byte, transcribed int) (StepResult, error) {
	audio := bytes.Join(chunks, nil)
	if len(audio) == 0 {
		return StepResult{TranscribedLength: transcribed}, ErrEmptyAudio
	}

	rec, err := t.recognizer.Recognize(ctx, audio)
	if err != nil {
		return StepResult{TranscribedLength: transcribed}, fmt.Errorf("recognize: %w", err)
	}

	segments := make([]Segment, 0, len(rec.Segments))
	for _, seg := range rec.Segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text != "" {
			segments = append(segments, seg)
		}
	}

	result := StepResult{TranscribedLength: transcribed, AudioSeconds: rec.Duration}
	if len(segments) == 0 {
		return result, nil
	}

	last := segments[len(segments)-1]
	trailing := time.Duration((rec.Duration - last.End) * float64(time.Second))
	if trailing >= t.endSilence {
		texts := make([]string, len(segments))
		for i, seg := range segments {
			texts[i] = seg.Text
		}
		result.Transcripts = []string{strings.Join(texts, t.separator)}
		result.TranscribedLength = len(segments)
		result.Done = true
		return result, nil
	}

	complete := segments[:len(segments)-1]
	if transcribed < 0 {
		transcribed = 0
	}
	for i := transcribed; i < len(complete); i++ {
		result.Transcripts = append(result.Transcripts, complete[i].Text)
	}
	if len(complete) > transcribed {
		result.TranscribedLength = len(complete)
	}
	return result, nil
}

// Session buffers the audio of one connection and runs a step per chunk.
// After a Done step the buffer is reset so the next utterance starts fresh.
type Session struct {
	transcriber *Transcriber
	maxBytes    int

	mu          sync.Mutex
	chunks      [][]byte
	size        int
	transcribed int
}

// NewSession creates a Session. maxBytes caps the buffered audio, 0 for no cap.
func NewSession(transcriber *Transcriber, maxBytes int) *Session {
	return &Session{transcriber: transcriber, maxBytes: maxBytes}
}

// Submit appends a chunk and returns the step result for the buffer so far.
func (s *Session) Submit(ctx context.Context, chunk []byte) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(chunk) > 0 {
		if s.maxBytes > 0 && s.size+len(chunk) > s.maxBytes {
			s.reset()
			return StepResult{}, fmt.Errorf("%w: exceeds %d bytes", ErrAudioTooLarge, s.maxBytes)
		}
		s.chunks = append(s.chunks, chunk)
		s.size += len(chunk)
	}

	result, err := s.transcriber.Step(ctx, s.chunks, s.transcribed)
	if err != nil {
		return result, err
	}
	s.transcribed = result.TranscribedLength
	if result.Done {
		s.reset()
	}
	return result, nil
}

func (s *Session) reset() {
	s.chunks = nil
	s.size = 0
	s.transcribed = 0
}
