package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/lukasbauer/gptian/internal/costs"
	"github.com/lukasbauer/gptian/internal/eventlog"
	"github.com/lukasbauer/gptian/internal/metrics"
	"github.com/lukasbauer/gptian/internal/pipeline"
)

var (
	ErrDraining        = errors.New("httpapi: server is draining")
	ErrSessionNotFound = errors.New("httpapi: session not found")
)

// PipelineFactory builds the pipeline of a new session. The factory owns the
// choice of synthesizer; the registry closes the pipeline when its run ends.
type PipelineFactory func(sessionID, language string, events chan<- pipeline.Event) (*pipeline.Pipeline, error)

// maxSessionEvents bounds the event history kept per session for status queries.
const maxSessionEvents = 500

// Session is one running (or recently finished) synthesis pipeline.
type Session struct {
	ID        string
	Origin    string // "http" or "chat"
	Language  string
	CreatedAt time.Time
	Pipeline  *pipeline.Pipeline
	Usage     *costs.Tracker

	cancel  context.CancelFunc
	observe func(pipeline.Event)
	done    chan struct{}

	mu     sync.Mutex
	events []pipeline.Event
	runErr error
}

// Events returns a copy of the events seen so far.
func (s *Session) Events() []pipeline.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Done is closed once the pipeline has stopped and its resources are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error Run stopped with, nil for a normal termination.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Cancel stops the session without waiting for its idle timeouts.
func (s *Session) Cancel() { s.cancel() }

func (s *Session) record(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= maxSessionEvents {
		s.events = s.events[1:]
	}
	s.events = append(s.events, ev)
}

// StartOptions describe a session to create.
type StartOptions struct {
	Origin   string
	Language string
	// Observe is called from the session's relay goroutine for every event.
	Observe func(pipeline.Event)
}

// RegistryConfig holds the collaborators of a SessionRegistry.
type RegistryConfig struct {
	Factory     PipelineFactory
	Logger      *log.Logger
	EventLog    *eventlog.Logger
	Metrics     *metrics.Collector
	TTSProvider string
	// Retention keeps finished sessions queryable. Defaults to 10 minutes.
	Retention time.Duration
}

// SessionRegistry tracks active synthesis sessions for graceful shutdown and
// for lookup by id. New sessions are rejected once draining starts.
type SessionRegistry struct {
	cfg RegistryConfig

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	draining bool
	sessions map[string]*Session
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewSessionRegistry creates a registry.
func NewSessionRegistry(cfg RegistryConfig) *SessionRegistry {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionRegistry{
		cfg:        cfg,
		baseCtx:    ctx,
		cancelBase: cancel,
		sessions:   make(map[string]*Session),
	}
}

// Start creates a session and runs its pipeline in the background.
// Returns ErrDraining if the registry is shutting down.
func (r *SessionRegistry) Start(opts StartOptions) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return nil, ErrDraining
	}
	if r.cfg.Factory == nil {
		return nil, errors.New("httpapi: no pipeline factory configured")
	}

	id := uuid.NewString()
	events := make(chan pipeline.Event, 32)
	p, err := r.cfg.Factory(id, opts.Language, events)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	s := &Session{
		ID:        id,
		Origin:    opts.Origin,
		Language:  opts.Language,
		CreatedAt: nowUTC(),
		Pipeline:  p,
		Usage:     costs.NewTracker(r.cfg.TTSProvider),
		cancel:    cancel,
		observe:   opts.Observe,
		done:      make(chan struct{}),
	}
	r.sessions[id] = s
	r.wg.Add(1)
	r.count.Add(1)

	r.cfg.Metrics.SessionStarted(opts.Origin)
	r.cfg.EventLog.LogAsync(id, eventlog.EventSessionStarted, map[string]any{
		"origin":   opts.Origin,
		"language": opts.Language,
	})
	r.cfg.Logger.Printf("session %s: started (origin=%s)", id, opts.Origin)

	go r.run(ctx, s, events)
	return s, nil
}

func (r *SessionRegistry) run(ctx context.Context, s *Session, events chan pipeline.Event) {
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for ev := range events {
			r.relay(s, ev)
		}
	}()

	err := s.Pipeline.Run(ctx)
	// Run is the only sender, so the channel can be closed once it returns.
	close(events)
	<-relayed

	if closeErr := s.Pipeline.Close(); closeErr != nil && !errors.Is(closeErr, pipeline.ErrAlreadyClosed) {
		r.cfg.Logger.Printf("session %s: close: %v", s.ID, closeErr)
	}
	s.cancel()

	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		r.cfg.Logger.Printf("session %s: run stopped: %v", s.ID, err)
		sentry.CaptureException(fmt.Errorf("session %s: %w", s.ID, err))
	}

	usage := s.Usage.Usage()
	r.cfg.EventLog.LogAsync(s.ID, eventlog.EventSessionTerminated, map[string]any{
		"tts_characters": usage.TTSCharacters,
		"cost_cents":     s.Usage.Costs().TotalCostCents,
	})
	r.cfg.Metrics.SessionEnded()
	r.cfg.Logger.Printf("session %s: terminated", s.ID)

	close(s.done)
	r.count.Add(-1)
	r.wg.Done()

	time.AfterFunc(r.cfg.Retention, func() { r.remove(s.ID) })
}

func (r *SessionRegistry) relay(s *Session, ev pipeline.Event) {
	s.record(ev)

	switch ev.Type {
	case pipeline.EventSentenceSynthesized:
		s.Usage.AddTTSCharacters(len([]rune(ev.Text)))
		r.cfg.EventLog.LogAsync(s.ID, eventlog.EventSentenceSynthesized, map[string]any{
			"batch":    ev.Batch,
			"sequence": ev.Sequence,
			"path":     ev.Path,
			"final":    ev.Final,
			"attempts": ev.Attempts,
		})
	case pipeline.EventSentenceFailed:
		r.cfg.EventLog.LogAsync(s.ID, eventlog.EventSentenceFailed, map[string]any{
			"batch":    ev.Batch,
			"sequence": ev.Sequence,
			"error":    ev.Error,
			"attempts": ev.Attempts,
		})
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("session_id", s.ID)
			scope.SetExtra("sequence", ev.Sequence)
			sentry.CaptureException(errors.New(ev.Error))
		})
	case pipeline.EventBatchFlushed:
		r.cfg.EventLog.LogAsync(s.ID, eventlog.EventBatchFlushed, map[string]any{
			"batch":     ev.Batch,
			"sentences": ev.Sequence,
		})
	}

	if s.observe != nil {
		s.observe(ev)
	}
}

func (r *SessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns a session by id, including finished sessions still retained.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// StartDraining prevents new sessions from being started.
func (r *SessionRegistry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining returns true if the registry is draining.
func (r *SessionRegistry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of sessions whose pipeline is still running.
func (r *SessionRegistry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until all running sessions have terminated or the context is done.
// Returns nil if all sessions finished, ctx.Err() on timeout.
func (r *SessionRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the registry, waits for sessions to finish on their own and
// cancels whatever is still running when ctx expires.
func (r *SessionRegistry) Shutdown(ctx context.Context) error {
	r.StartDraining()
	err := r.Wait(ctx)
	if err != nil {
		r.cfg.Logger.Printf("sessions: %d still running, cancelling", r.ActiveCount())
	}
	r.cancelBase()
	r.wg.Wait()
	return err
}
