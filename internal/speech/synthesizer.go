package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
)

const (
	ttsNamespace    = "SpeechSynthesizer"
	ttsWriteWait    = 5 * time.Second
	defaultTTSVoice = "xiaoyun"
)

// Synthesizer streams synthesized audio over one websocket per request.
type Synthesizer struct {
	endpoint   string
	appKey     string
	voice      string
	format     string
	sampleRate int
	tokens     TokenSource
	dialer     *websocket.Dialer
}

func NewSynthesizer(cfg config.SpeechConfig, tokens TokenSource) *Synthesizer {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultTTSVoice
	}
	format := cfg.Format
	if format == "" || format == "pcm" {
		format = "mp3"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Synthesizer{
		endpoint:   cfg.TTSURL,
		appKey:     cfg.AppKey,
		voice:      voice,
		format:     format,
		sampleRate: sampleRate,
		tokens:     tokens,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.TimeoutDuration()},
	}
}

type ttsHeader struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type ttsPayload struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type ttsCommand struct {
	Header  ttsHeader  `json:"header"`
	Payload ttsPayload `json:"payload"`
}

type ttsEvent struct {
	Header ttsHeader `json:"header"`
}

// Synthesize sends text for synthesis and passes every audio frame to
// onChunk in arrival order. It returns once the service reports completion.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, onChunk func([]byte) error) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty synthesis text")
	}
	cred, err := s.tokens.GetValidToken(ctx)
	if err != nil {
		return fmt.Errorf("tts token: %w", err)
	}
	wsURL, err := url.Parse(s.endpoint)
	if err != nil {
		return fmt.Errorf("parse tts url: %w", err)
	}
	q := wsURL.Query()
	q.Set("token", cred.Value)
	wsURL.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, wsURL.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial tts: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial tts: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	taskID := newID()
	start := ttsCommand{
		Header: ttsHeader{
			MessageID: newID(),
			TaskID:    taskID,
			Namespace: ttsNamespace,
			Name:      "StartSynthesis",
			AppKey:    s.appKey,
		},
		Payload: ttsPayload{
			Text:       text,
			Voice:      voiceFrom(ctx, s.voice),
			Format:     s.format,
			SampleRate: s.sampleRate,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(ttsWriteWait))
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send synthesis request: %w", err)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read tts stream: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 || onChunk == nil {
				continue
			}
			if err := onChunk(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var ev ttsEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			switch ev.Header.Name {
			case "SynthesisCompleted":
				return nil
			case "TaskFailed":
				return fmt.Errorf("tts task %s failed: %d %s", taskID, ev.Header.Status, ev.Header.StatusText)
			}
		}
	}
}
