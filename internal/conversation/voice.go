package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/worker"
)

var errTransportClosed = errors.New("transport closed")

// VoiceRequest identifies the session and persona of a socket turn.
type VoiceRequest struct {
	SessionID     string
	PersonaPrompt string
	CharacterName string
}

// HandleBinaryMessage runs a voice turn for one complete utterance:
// recognition, the text turn, then synthesis streamed back as binary
// frames. Stage failures are reported to the client as error events and
// never close the connection. The returned error only covers rejection
// before the turn was scheduled.
func (o *Orchestrator) HandleBinaryMessage(ctx context.Context, tr Transport, req VoiceRequest, audio []byte) error {
	if len(audio) == 0 {
		emit(ctx, tr, errorEvent(StageInput, ErrEmptyAudio.Error()))
		o.metrics.ObserveTurn("voice", "rejected", 0)
		return ErrEmptyAudio
	}
	if o.recognizer == nil {
		emit(ctx, tr, errorEvent(StageASR, "speech recognition is not configured"))
		return errors.New("speech recognizer not configured")
	}
	return o.schedule(ctx, tr, req.SessionID, "voice", func(turnCtx context.Context, sess *session) string {
		text, err := o.recognizer.Recognize(turnCtx, audio)
		if err != nil {
			logger.FromContext(turnCtx).Warn("speech recognition failed", "error", err)
			emit(turnCtx, tr, errorEvent(StageASR, "speech recognition failed"))
			return "asr_error"
		}
		text = strings.TrimSpace(text)
		if text == "" {
			emit(turnCtx, tr, errorEvent(StageASR, "no transcription"))
			return "no_transcription"
		}
		emit(turnCtx, tr, Event{Type: EventASRResult, Text: text})
		return o.speakTurn(turnCtx, tr, sess, TextRequest{
			SessionID:     req.SessionID,
			PersonaPrompt: req.PersonaPrompt,
			CharacterName: req.CharacterName,
			Input:         text,
		})
	})
}

// HandleTextMessage runs a typed turn on a voice socket; the reply is
// streamed as events and spoken back like a voice turn.
func (o *Orchestrator) HandleTextMessage(ctx context.Context, tr Transport, req TextRequest) error {
	if strings.TrimSpace(req.Input) == "" {
		emit(ctx, tr, errorEvent(StageInput, ErrEmptyInput.Error()))
		o.metrics.ObserveTurn("socket_text", "rejected", 0)
		return ErrEmptyInput
	}
	return o.schedule(ctx, tr, req.SessionID, "socket_text", func(turnCtx context.Context, sess *session) string {
		return o.speakTurn(turnCtx, tr, sess, req)
	})
}

// schedule reserves the session turn now, so arrival order is kept, and
// runs it on the dispatcher.
func (o *Orchestrator) schedule(ctx context.Context, tr Transport, sessionID, mode string, body func(ctx context.Context, sess *session) string) error {
	if sessionID == "" {
		emit(ctx, tr, errorEvent(StageInput, ErrMissingSession.Error()))
		return ErrMissingSession
	}
	sess := o.session(sessionID)
	t := sess.lock.reserve()

	run := func() {
		err := o.runTurn(ctx, sess, t, mode, func(turnCtx context.Context) string {
			return body(turnCtx, sess)
		})
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			logger.FromContext(ctx).Warn("socket turn aborted", "session_id", sessionID, "error", err)
		}
	}
	if o.dispatcher == nil {
		run()
		return nil
	}
	if err := o.dispatcher.Submit(worker.Job{Key: sessionID, Run: run}); err != nil {
		t.release()
		emit(ctx, tr, errorEvent(StageQueue, "server busy, please retry"))
		o.metrics.ObserveTurn(mode, "rejected", 0)
		return fmt.Errorf("schedule turn: %w", err)
	}
	return nil
}

// speakTurn streams the text turn as events and synthesizes the reply.
// The caller owns the session lock.
func (o *Orchestrator) speakTurn(ctx context.Context, tr Transport, sess *session, req TextRequest) string {
	result := o.converse(ctx, sess, req, func(chunk string) error {
		if !emit(ctx, tr, Event{Type: EventLLMChunk, Text: chunk}) {
			return errTransportClosed
		}
		return nil
	})
	if sess.closed.Load() {
		return "cancelled"
	}
	if result.Partial {
		emit(ctx, tr, errorEvent(StageLLM, "reply interrupted"))
		emit(ctx, tr, Event{Type: EventTurnEnd})
		return result.outcome()
	}
	emit(ctx, tr, Event{Type: EventLLMEnd, Text: result.Reply, Fallback: result.Fallback})

	outcome := result.outcome()
	if o.synthesizer != nil && tr.IsOpen() && strings.TrimSpace(result.Reply) != "" {
		err := o.synthesizer.Synthesize(ctx, result.Reply, func(frame []byte) error {
			if !tr.IsOpen() {
				return errTransportClosed
			}
			return tr.SendBinary(frame)
		})
		if err != nil {
			logger.FromContext(ctx).Warn("speech synthesis failed", "error", err)
			emit(ctx, tr, errorEvent(StageTTS, "speech synthesis failed"))
			outcome = "tts_error"
		} else {
			emit(ctx, tr, Event{Type: EventTTSEnd})
		}
	}
	emit(ctx, tr, Event{Type: EventTurnEnd})
	return outcome
}
