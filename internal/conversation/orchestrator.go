// Package conversation runs multi-turn conversations against the speech and
// language services, one turn at a time per session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/resilience"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/worker"
)

const (
	DefaultHistoryLimit     = 20
	DefaultTurnTimeout      = 2 * time.Minute
	DefaultKnowledgeTimeout = 3 * time.Second
	DefaultFallbackReply    = "Sorry, I can't answer right now. Please try again in a moment."
)

var (
	ErrEmptyInput     = errors.New("input text is empty")
	ErrEmptyAudio     = errors.New("audio payload is empty")
	ErrMissingSession = errors.New("session id is required")
	ErrSessionClosed  = errors.New("session closed")

	errCallerGone = errors.New("caller stopped waiting for the turn")
)

type SpeechRecognizer interface {
	Recognize(ctx context.Context, audio []byte) (string, error)
}

type LanguageModel interface {
	ChatStream(ctx context.Context, req models.ChatRequest, onChunk func(string) error) (string, error)
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, onChunk func([]byte) error) error
}

type KnowledgeStore interface {
	Search(ctx context.Context, characterName, query string) ([]string, error)
}

// Transport is the client connection a voice session talks over.
type Transport interface {
	SendText(text string) error
	SendBinary(data []byte) error
	IsOpen() bool
}

type Config struct {
	HistoryLimit     int
	TurnTimeout      time.Duration
	KnowledgeTimeout time.Duration
	FallbackReply    string
}

// Dependencies are the collaborators of an Orchestrator. Model is required;
// Recognizer and Synthesizer are required for voice turns. Without a
// Dispatcher every turn runs on the calling goroutine.
type Dependencies struct {
	Model       LanguageModel
	Recognizer  SpeechRecognizer
	Synthesizer SpeechSynthesizer
	Knowledge   KnowledgeStore
	Dispatcher  *worker.Dispatcher
	Metrics     *metrics.Metrics
}

type TextRequest struct {
	SessionID     string
	PersonaPrompt string
	CharacterName string
	Input         string
}

// TurnResult describes how a turn ended. Fallback is set when the fallback
// reply was sent instead of a model answer; Partial when the model failed
// after some chunks had already been forwarded.
type TurnResult struct {
	Reply         string
	Fallback      bool
	Partial       bool
	KnowledgeUsed int
}

func (r *TurnResult) outcome() string {
	switch {
	case r == nil:
		return "error"
	case r.Fallback:
		return "fallback"
	case r.Partial:
		return "partial"
	default:
		return "ok"
	}
}

type Orchestrator struct {
	cfg         Config
	model       LanguageModel
	recognizer  SpeechRecognizer
	synthesizer SpeechSynthesizer
	knowledge   KnowledgeStore
	dispatcher  *worker.Dispatcher
	metrics     *metrics.Metrics
	sessions    *registry
	logger      *slog.Logger
}

func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Model == nil {
		return nil, errors.New("language model required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.KnowledgeTimeout <= 0 {
		cfg.KnowledgeTimeout = DefaultKnowledgeTimeout
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	return &Orchestrator{
		cfg:         cfg,
		model:       deps.Model,
		recognizer:  deps.Recognizer,
		synthesizer: deps.Synthesizer,
		knowledge:   deps.Knowledge,
		dispatcher:  deps.Dispatcher,
		metrics:     deps.Metrics,
		sessions:    newRegistry(),
		logger:      logger.WithComponent("conversation"),
	}, nil
}

// ProcessTextChatStream runs one text turn, forwarding reply chunks to
// onChunk as they arrive. Model failures never surface as errors: the
// fallback reply is sent instead, unless part of the reply already went out.
// With a Dispatcher the turn runs on the conversation pool and the caller
// waits for it; onChunk is never called after ProcessTextChatStream returns.
func (o *Orchestrator) ProcessTextChatStream(ctx context.Context, req TextRequest, onChunk func(string) error) (*TurnResult, error) {
	if strings.TrimSpace(req.Input) == "" {
		o.metrics.ObserveTurn("text", "rejected", 0)
		return nil, ErrEmptyInput
	}
	if req.SessionID == "" {
		return nil, ErrMissingSession
	}
	sess := o.session(req.SessionID)
	t := sess.lock.reserve()

	var result *TurnResult
	turn := func(send func(string) error) error {
		return o.runTurn(ctx, sess, t, "text", func(turnCtx context.Context) string {
			result = o.converse(turnCtx, sess, req, send)
			return result.outcome()
		})
	}
	if o.dispatcher == nil {
		if err := turn(onChunk); err != nil {
			return nil, err
		}
		return result, nil
	}

	relay := &chunkRelay{onChunk: onChunk}
	done := make(chan error, 1)
	err := o.dispatcher.Submit(worker.Job{Key: req.SessionID, Run: func() {
		done <- turn(relay.send)
	}})
	if err != nil {
		t.release()
		o.metrics.ObserveTurn("text", "rejected", 0)
		return nil, fmt.Errorf("schedule turn: %w", err)
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return result, nil
	case <-ctx.Done():
		// the queued or running turn sees the same ctx and winds down alone
		relay.detach()
		return nil, ctx.Err()
	}
}

// chunkRelay forwards chunks from a pool worker to the waiting caller
// until the caller detaches.
type chunkRelay struct {
	mu       sync.Mutex
	onChunk  func(string) error
	detached bool
}

func (r *chunkRelay) send(chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return errCallerGone
	}
	if r.onChunk == nil {
		return nil
	}
	return r.onChunk(chunk)
}

func (r *chunkRelay) detach() {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
}

// SessionHistory returns a copy of the session's history, waiting for any
// turn in progress to finish.
func (o *Orchestrator) SessionHistory(ctx context.Context, sessionID string) ([]models.Message, error) {
	sess := o.sessions.get(sessionID)
	if sess == nil {
		return nil, nil
	}
	t := sess.lock.reserve()
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	defer t.release()
	return sess.snapshot(), nil
}

// CleanupSession drops the session and cancels its in-flight turn. Turns
// still queued for it end with ErrSessionClosed. Unknown ids are ignored.
func (o *Orchestrator) CleanupSession(sessionID string) {
	sess := o.sessions.remove(sessionID)
	if sess == nil {
		return
	}
	sess.close()
	o.metrics.SetActiveSessions(o.sessions.size())
	o.logger.Info("session cleaned up", "session_id", sessionID)
}

// Close cancels every session.
func (o *Orchestrator) Close() {
	for _, sess := range o.sessions.drain() {
		sess.close()
	}
	o.metrics.SetActiveSessions(0)
}

// ActiveSessions reports how many sessions are registered.
func (o *Orchestrator) ActiveSessions() int {
	return o.sessions.size()
}

func (o *Orchestrator) session(id string) *session {
	sess, created := o.sessions.getOrCreate(id)
	if created {
		o.metrics.SetActiveSessions(o.sessions.size())
		o.logger.Debug("session created", "session_id", id)
	}
	return sess
}

// runTurn waits for the ticket, then runs body under the turn deadline.
// Both the wait and the body end early when the session is cleaned up.
func (o *Orchestrator) runTurn(ctx context.Context, sess *session, t *ticket, mode string, body func(ctx context.Context) string) error {
	start := time.Now()
	ctx = logger.WithSession(ctx, sess.id)
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	stop := context.AfterFunc(sess.ctx, cancelWait)
	defer stop()

	if err := t.wait(waitCtx); err != nil {
		if sess.closed.Load() {
			return ErrSessionClosed
		}
		return fmt.Errorf("wait for session turn: %w", err)
	}
	defer t.release()
	if sess.closed.Load() {
		return ErrSessionClosed
	}

	turnCtx, cancel := context.WithTimeout(waitCtx, o.cfg.TurnTimeout)
	defer cancel()
	outcome := body(turnCtx)
	o.metrics.ObserveTurn(mode, outcome, time.Since(start))
	return nil
}

// converse runs the language-model part of a turn. The caller owns the
// session lock.
func (o *Orchestrator) converse(ctx context.Context, sess *session, req TextRequest, onChunk func(string) error) *TurnResult {
	log := logger.FromContext(ctx)
	snippets := o.lookupKnowledge(ctx, req.CharacterName, req.Input)

	forwarded := 0
	reply, err := o.model.ChatStream(ctx, models.ChatRequest{
		PersonaPrompt: req.PersonaPrompt,
		History:       sess.snapshot(),
		Knowledge:     snippets,
		Input:         req.Input,
	}, func(chunk string) error {
		forwarded++
		if onChunk == nil {
			return nil
		}
		return onChunk(chunk)
	})
	if err != nil {
		if sess.closed.Load() {
			log.Info("turn cancelled by session cleanup")
			return &TurnResult{Reply: reply, Partial: forwarded > 0, KnowledgeUsed: len(snippets)}
		}
		log.Warn("language model failed", "error", err, "forwarded_chunks", forwarded)
		if forwarded > 0 {
			return &TurnResult{Reply: reply, Partial: true, KnowledgeUsed: len(snippets)}
		}
		if onChunk != nil {
			if err := onChunk(o.cfg.FallbackReply); err != nil {
				log.Warn("deliver fallback reply", "error", err)
			}
		}
		return &TurnResult{Reply: o.cfg.FallbackReply, Fallback: true, KnowledgeUsed: len(snippets)}
	}

	sess.appendTurn(req.Input, reply, o.cfg.HistoryLimit)
	return &TurnResult{Reply: reply, KnowledgeUsed: len(snippets)}
}

// lookupKnowledge is best effort: any failure yields no snippets.
func (o *Orchestrator) lookupKnowledge(ctx context.Context, characterName, query string) []string {
	if o.knowledge == nil || strings.TrimSpace(characterName) == "" {
		return nil
	}
	snippets, err := resilience.Call(ctx, o.cfg.KnowledgeTimeout, "knowledge search", func(ctx context.Context) ([]string, error) {
		return o.knowledge.Search(ctx, characterName, query)
	})
	if err != nil {
		logger.FromContext(ctx).Warn("knowledge lookup failed, continuing without it", "character", characterName, "error", err)
		return nil
	}
	return snippets
}
