package conversation

import (
	"context"
	"encoding/json"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
)

type EventType string

const (
	EventASRResult EventType = "asr_result"
	EventLLMChunk  EventType = "llm_chunk"
	EventLLMEnd    EventType = "llm_end"
	EventTTSEnd    EventType = "tts_end"
	EventTurnEnd   EventType = "turn_end"
	EventError     EventType = "error"
)

// Stages named in error events.
const (
	StageInput = "input"
	StageQueue = "queue"
	StageASR   = "asr"
	StageLLM   = "llm"
	StageTTS   = "tts"
)

// Event is the JSON text frame sent to socket clients.
type Event struct {
	Type     EventType `json:"type"`
	Text     string    `json:"text,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	Message  string    `json:"message,omitempty"`
	Fallback bool      `json:"fallback,omitempty"`
}

func errorEvent(stage, message string) Event {
	return Event{Type: EventError, Stage: stage, Message: message}
}

// emit writes ev to tr. It reports false when the client is gone.
func emit(ctx context.Context, tr Transport, ev Event) bool {
	if tr == nil || !tr.IsOpen() {
		return false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if err := tr.SendText(string(data)); err != nil {
		logger.FromContext(ctx).Debug("send event failed", "type", ev.Type, "error", err)
		return false
	}
	return true
}
