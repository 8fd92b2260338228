// Package pipeline turns a stream of text fragments into per-sentence audio files.
//
// A Pipeline belongs to exactly one session. Producers call Ingest from any
// goroutine; a single Run loop accumulates fragments, cuts complete sentences with
// a segment.Segmenter and synthesizes them one at a time, in order. Idle timeouts
// flush whatever text is left over and eventually terminate the loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lukasbauer/gptian/internal/metrics"
	"github.com/lukasbauer/gptian/internal/segment"
	"github.com/lukasbauer/gptian/internal/tts"
)

var (
	ErrAlreadyRunning = errors.New("pipeline: already running")
	ErrAlreadyClosed  = errors.New("pipeline: already closed")
	ErrTerminated     = errors.New("pipeline: terminated")
)

const tracerName = "github.com/lukasbauer/gptian/internal/pipeline"

// State is the position of the Run loop in its lifecycle.
type State int32

const (
	AwaitingFirstFragment State = iota
	Accumulating
	FlushingFinal
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingFirstFragment:
		return "awaiting_first_fragment"
	case Accumulating:
		return "accumulating"
	case FlushingFinal:
		return "flushing_final"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config holds the timing and output settings of a pipeline.
type Config struct {
	InitialTimeout   time.Duration // idle wait before the first fragment of a batch
	SteadyTimeout    time.Duration // idle wait once fragments are flowing
	SynthesisTimeout time.Duration // how far activity pushes the deadline
	CallTimeout      time.Duration // per synthesis call, 0 for none
	MaxRetries       int
	RetryBackoff     time.Duration
	OutputDir        string
	AudioExt         string
	Language         string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		InitialTimeout:   10 * time.Second,
		SteadyTimeout:    2 * time.Second,
		SynthesisTimeout: 3 * time.Second,
		CallTimeout:      15 * time.Second,
		MaxRetries:       1,
		RetryBackoff:     250 * time.Millisecond,
		OutputDir:        filepath.Join("output", "synthesized"),
		AudioExt:         "mp3",
		Language:         "zh-CN",
	}
}

// Options are the collaborators of one pipeline.
type Options struct {
	SessionID   string
	Config      Config
	Synthesizer tts.Client
	Segmenter   segment.Segmenter // defaults to segment.NewUnicode()
	Logger      *log.Logger
	Events      chan<- Event // optional
	Metrics     *metrics.Collector
}

// Pipeline is the incremental synthesis loop of one session.
type Pipeline struct {
	sessionID   string
	cfg         Config
	synthesizer tts.Client
	segmenter   segment.Segmenter
	logger      *log.Logger
	events      chan<- Event
	metrics     *metrics.Collector
	tracer      trace.Tracer

	queue    *queue
	state    atomic.Int32
	deadline atomic.Int64 // unix nanoseconds
	running  atomic.Bool
	closed   atomic.Bool

	dirsMade map[string]bool // owned by Run
}

// New validates the options and builds a pipeline ready to Run.
func New(opts Options) (*Pipeline, error) {
	if opts.SessionID == "" {
		return nil, errors.New("pipeline: session id is required")
	}
	if strings.ContainsAny(opts.SessionID, `/\`) || opts.SessionID == "." || opts.SessionID == ".." {
		return nil, fmt.Errorf("pipeline: invalid session id %q", opts.SessionID)
	}
	if opts.Synthesizer == nil {
		return nil, errors.New("pipeline: synthesizer is required")
	}

	cfg := opts.Config
	def := DefaultConfig()
	if cfg.InitialTimeout <= 0 {
		cfg.InitialTimeout = def.InitialTimeout
	}
	if cfg.SteadyTimeout <= 0 {
		cfg.SteadyTimeout = def.SteadyTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = def.SynthesisTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.AudioExt == "" {
		cfg.AudioExt = def.AudioExt
	}
	cfg.AudioExt = strings.TrimPrefix(cfg.AudioExt, ".")
	if cfg.Language == "" {
		cfg.Language = def.Language
	}

	segmenter := opts.Segmenter
	if segmenter == nil {
		segmenter = segment.NewUnicode()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	p := &Pipeline{
		sessionID:   opts.SessionID,
		cfg:         cfg,
		synthesizer: opts.Synthesizer,
		segmenter:   segmenter,
		logger:      logger,
		events:      opts.Events,
		metrics:     opts.Metrics,
		tracer:      otel.Tracer(tracerName),
		queue:       newQueue(),
		dirsMade:    make(map[string]bool),
	}
	p.state.Store(int32(AwaitingFirstFragment))
	p.deadline.Store(time.Now().Add(cfg.InitialTimeout).UnixNano())
	return p, nil
}

// Ingest enqueues a text fragment. It never blocks.
func (p *Pipeline) Ingest(fragment string) error {
	if p.closed.Load() {
		return ErrAlreadyClosed
	}
	if p.State() == Terminated || !p.queue.push(fragment) {
		return ErrTerminated
	}
	return nil
}

// State returns the current loop state. Safe for concurrent use.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Deadline returns the instant after which the session is considered finished
// unless new activity pushes it forward.
func (p *Pipeline) Deadline() time.Time {
	return time.Unix(0, p.deadline.Load())
}

// Complete reports whether the deadline has passed.
func (p *Pipeline) Complete() bool {
	return time.Now().After(p.Deadline())
}

// Pending returns the number of fragments waiting in the queue.
func (p *Pipeline) Pending() int {
	return p.queue.len()
}

// AudioPath returns the artifact path for a sentence. Batch 0 files sit directly in
// the session directory; later batches get their own subdirectory so that the reset
// sequence numbers do not overwrite earlier audio.
func (p *Pipeline) AudioPath(batch, seq int) string {
	dir := filepath.Join(p.cfg.OutputDir, p.sessionID)
	if batch > 0 {
		dir = filepath.Join(dir, "batch-"+strconv.Itoa(batch))
	}
	return filepath.Join(dir, strconv.Itoa(seq)+"."+p.cfg.AudioExt)
}

// Run is the single consumer loop. It returns nil once an idle timeout finds an
// empty buffer after the deadline, or ctx.Err() when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.closed.Load() {
		return ErrAlreadyClosed
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	p.pushDeadline(p.cfg.InitialTimeout)
	p.setState(AwaitingFirstFragment)

	var (
		buffer  string
		seq     int
		batch   int
		timeout = p.cfg.InitialTimeout
	)

	for {
		fragment, err := p.queue.pop(ctx, timeout)
		switch {
		case err == nil:
			timeout = p.cfg.SteadyTimeout
			p.setState(Accumulating)
			p.pushDeadline(p.cfg.SynthesisTimeout)

			buffer += fragment
			sentences, _ := p.segmenter.Segment(buffer)
			if len(sentences) == 0 {
				continue
			}
			// One sentence per iteration; the rest stays buffered in order.
			first := sentences[0]
			buffer = buffer[len(first):]
			if p.dispatch(ctx, batch, seq, first, false) {
				seq++
			}

		case errors.Is(err, errIdle):
			if buffer != "" {
				p.setState(FlushingFinal)
				if p.dispatch(ctx, batch, seq, buffer, true) {
					seq++
				}
				buffer = ""
				p.logger.Printf("pipeline: session %s batch %d flushed after %d sentence(s)", p.sessionID, batch, seq)
				p.metrics.RecordBatchFlushed()
				p.emit(ctx, Event{Type: EventBatchFlushed, Batch: batch, Sequence: seq})

				seq = 0
				batch++
				timeout = p.cfg.InitialTimeout
				p.setState(AwaitingFirstFragment)
				continue
			}
			if !time.Now().Before(p.Deadline()) {
				p.terminate()
				p.logger.Printf("pipeline: session %s terminated after %d batch(es)", p.sessionID, batch)
				p.emit(ctx, Event{Type: EventTerminated, Batch: batch})
				return nil
			}

		default:
			p.terminate()
			return err
		}
	}
}

// Close releases the synthesizer. A second call returns ErrAlreadyClosed.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	p.queue.close()
	if closer, ok := p.synthesizer.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close synthesizer: %w", err)
		}
	}
	return nil
}

// dispatch synthesizes one sentence and reports whether it consumed a sequence
// number. Whitespace-only text is skipped.
func (p *Pipeline) dispatch(ctx context.Context, batch, seq int, sentence string, final bool) bool {
	text := strings.TrimSpace(sentence)
	if text == "" {
		return false
	}

	audio, attempts, err := p.synthesizeWithRetry(ctx, seq, text)
	var path string
	if err == nil {
		path = p.AudioPath(batch, seq)
		err = p.writeAudio(path, audio)
	}

	if err != nil {
		p.logger.Printf("pipeline: session %s dropped sentence %d after %d attempt(s): %v", p.sessionID, seq, attempts, err)
		p.metrics.RecordSentenceFailed()
		p.emit(ctx, Event{
			Type:     EventSentenceFailed,
			Batch:    batch,
			Sequence: seq,
			Text:     text,
			Final:    final,
			Attempts: attempts,
			Error:    err.Error(),
		})
		return true
	}

	p.pushDeadline(p.cfg.SynthesisTimeout)
	p.emit(ctx, Event{
		Type:     EventSentenceSynthesized,
		Batch:    batch,
		Sequence: seq,
		Text:     text,
		Path:     path,
		Final:    final,
		Attempts: attempts,
	})
	return true
}

func (p *Pipeline) synthesizeWithRetry(ctx context.Context, seq int, text string) ([]byte, int, error) {
	var lastErr error
	maxAttempts := 1 + p.cfg.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		audio, err := p.synthesize(ctx, seq, attempt, text)
		if err == nil {
			return audio, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempt, lastErr
		}
		if attempt < maxAttempts {
			p.logger.Printf("pipeline: session %s sentence %d attempt %d failed: %v", p.sessionID, seq, attempt, err)
			if p.cfg.RetryBackoff > 0 {
				select {
				case <-time.After(p.cfg.RetryBackoff * time.Duration(attempt)):
				case <-ctx.Done():
					return nil, attempt, lastErr
				}
			}
		}
	}
	return nil, maxAttempts, lastErr
}

func (p *Pipeline) synthesize(ctx context.Context, seq, attempt int, text string) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.synthesize", trace.WithAttributes(
		attribute.String("session.id", p.sessionID),
		attribute.Int("sentence.sequence", seq),
		attribute.Int("sentence.chars", len([]rune(text))),
		attribute.Int("attempt", attempt),
		attribute.String("language", p.cfg.Language),
	))
	defer span.End()

	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	audio, err := p.synthesizer.Synthesize(ctx, text, p.cfg.Language)
	if err == nil && len(audio) == 0 {
		err = errors.New("synthesizer returned no audio")
	}
	p.metrics.RecordSynthesis(err, len([]rune(text)), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return audio, nil
}

func (p *Pipeline) writeAudio(path string, audio []byte) error {
	dir := filepath.Dir(path)
	if !p.dirsMade[dir] {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		p.dirsMade[dir] = true
	}

	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

func (p *Pipeline) pushDeadline(window time.Duration) {
	p.deadline.Store(time.Now().Add(window).UnixNano())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

func (p *Pipeline) terminate() {
	p.setState(Terminated)
	p.queue.close()
}

func (p *Pipeline) emit(ctx context.Context, ev Event) {
	if p.events == nil {
		return
	}
	ev.SessionID = p.sessionID
	ev.At = time.Now()
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}
