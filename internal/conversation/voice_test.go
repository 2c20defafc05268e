package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/worker"
)

type fakeTransport struct {
	mu     sync.Mutex
	events []Event
	audio  [][]byte
	closed atomic.Bool
	turns  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{turns: make(chan struct{}, 16)}
}

func (f *fakeTransport) SendText(text string) error {
	var ev Event
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if ev.Type == EventTurnEnd || ev.Type == EventError {
		f.turns <- struct{}{}
	}
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeTransport) IsOpen() bool { return !f.closed.Load() }

func (f *fakeTransport) waitTurn(t *testing.T) {
	t.Helper()
	select {
	case <-f.turns:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn did not finish")
	}
}

func (f *fakeTransport) types() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func (f *fakeTransport) lastEvent() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

type fakeRecognizer struct {
	text string
	err  error
}

func (r fakeRecognizer) Recognize(ctx context.Context, audio []byte) (string, error) {
	return r.text, r.err
}

type fakeSynthesizer struct {
	err   error
	texts []string
	mu    sync.Mutex
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string, onChunk func([]byte) error) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := onChunk([]byte("frame-1")); err != nil {
		return err
	}
	return onChunk([]byte("frame-2"))
}

func newVoiceOrchestrator(t *testing.T, rec SpeechRecognizer, syn SpeechSynthesizer, model LanguageModel) *Orchestrator {
	t.Helper()
	d := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16})
	t.Cleanup(d.Stop)
	return newTestOrchestrator(t, Config{FallbackReply: "try later"}, Dependencies{
		Model:       model,
		Recognizer:  rec,
		Synthesizer: syn,
		Dispatcher:  d,
	})
}

func equalTypes(got []EventType, want ...EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestVoiceTurnFullPipeline(t *testing.T) {
	syn := &fakeSynthesizer{}
	o := newVoiceOrchestrator(t, fakeRecognizer{text: "hello"}, syn, &echoModel{})
	tr := newFakeTransport()

	if err := o.HandleBinaryMessage(context.Background(), tr, VoiceRequest{SessionID: "v"}, []byte("pcm")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tr.waitTurn(t)

	want := []EventType{EventASRResult, EventLLMChunk, EventLLMChunk, EventLLMEnd, EventTTSEnd, EventTurnEnd}
	if got := tr.types(); !equalTypes(got, want...) {
		t.Fatalf("unexpected events %v", got)
	}
	if len(tr.audio) != 2 {
		t.Fatalf("expected 2 audio frames, got %d", len(tr.audio))
	}
	if len(syn.texts) != 1 || syn.texts[0] != "rhello" {
		t.Fatalf("synthesized wrong text: %v", syn.texts)
	}
	history, _ := o.SessionHistory(context.Background(), "v")
	if len(history) != 2 {
		t.Fatalf("voice turn not recorded")
	}
}

func TestVoiceTurnRejectsEmptyAudio(t *testing.T) {
	o := newVoiceOrchestrator(t, fakeRecognizer{text: "x"}, &fakeSynthesizer{}, &echoModel{})
	tr := newFakeTransport()

	err := o.HandleBinaryMessage(context.Background(), tr, VoiceRequest{SessionID: "v"}, nil)
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
	if ev := tr.lastEvent(); ev.Type != EventError || ev.Stage != StageInput {
		t.Fatalf("expected input error event, got %+v", ev)
	}
}

func TestVoiceTurnRecognitionFailure(t *testing.T) {
	model := &echoModel{}
	o := newVoiceOrchestrator(t, fakeRecognizer{err: errors.New("asr down")}, &fakeSynthesizer{}, model)
	tr := newFakeTransport()

	if err := o.HandleBinaryMessage(context.Background(), tr, VoiceRequest{SessionID: "v"}, []byte("pcm")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tr.waitTurn(t)
	if ev := tr.lastEvent(); ev.Type != EventError || ev.Stage != StageASR {
		t.Fatalf("expected asr error event, got %+v", ev)
	}
	if len(model.requests) != 0 {
		t.Fatalf("model must not run after recognition failure")
	}
	if !tr.IsOpen() {
		t.Fatalf("stage failure must not close the transport")
	}
}

func TestVoiceTurnEmptyTranscription(t *testing.T) {
	o := newVoiceOrchestrator(t, fakeRecognizer{text: "  "}, &fakeSynthesizer{}, &echoModel{})
	tr := newFakeTransport()

	if err := o.HandleBinaryMessage(context.Background(), tr, VoiceRequest{SessionID: "v"}, []byte("pcm")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tr.waitTurn(t)
	if ev := tr.lastEvent(); ev.Type != EventError || ev.Message != "no transcription" {
		t.Fatalf("expected no transcription event, got %+v", ev)
	}
}

func TestVoiceTurnSynthesisFailure(t *testing.T) {
	o := newVoiceOrchestrator(t, fakeRecognizer{text: "hi"}, &fakeSynthesizer{err: errors.New("tts down")}, &echoModel{})
	tr := newFakeTransport()

	if err := o.HandleBinaryMessage(context.Background(), tr, VoiceRequest{SessionID: "v"}, []byte("pcm")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tr.waitTurn(t) // error event
	tr.waitTurn(t) // turn end
	types := tr.types()
	n := len(types)
	if n < 2 || types[n-2] != EventError || types[n-1] != EventTurnEnd {
		t.Fatalf("expected tts error then turn end, got %v", types)
	}
	tr.mu.Lock()
	stage := tr.events[n-2].Stage
	tr.mu.Unlock()
	if stage != StageTTS {
		t.Fatalf("expected tts stage, got %q", stage)
	}
}

func TestVoiceTurnSpeaksFallback(t *testing.T) {
	syn := &fakeSynthesizer{}
	o := newVoiceOrchestrator(t, fakeRecognizer{text: "hi"}, syn, &echoModel{fail: errors.New("quota")})
	tr := newFakeTransport()

	if err := o.HandleBinaryMessage(context.Background(), tr, VoiceRequest{SessionID: "v"}, []byte("pcm")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tr.waitTurn(t)
	if len(syn.texts) != 1 || syn.texts[0] != "try later" {
		t.Fatalf("fallback not spoken: %v", syn.texts)
	}
}

func TestSocketTextTurn(t *testing.T) {
	o := newVoiceOrchestrator(t, fakeRecognizer{}, &fakeSynthesizer{}, &echoModel{})
	tr := newFakeTransport()

	if err := o.HandleTextMessage(context.Background(), tr, TextRequest{SessionID: "v", Input: "yo"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tr.waitTurn(t)
	want := []EventType{EventLLMChunk, EventLLMChunk, EventLLMEnd, EventTTSEnd, EventTurnEnd}
	if got := tr.types(); !equalTypes(got, want...) {
		t.Fatalf("unexpected events %v", got)
	}

	if err := o.HandleTextMessage(context.Background(), tr, TextRequest{SessionID: "v", Input: ""}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestVoiceTurnsOfOneSessionKeepOrder(t *testing.T) {
	model := &echoModel{delay: 10 * time.Millisecond}
	o := newVoiceOrchestrator(t, fakeRecognizer{}, nil, model)
	tr := newFakeTransport()

	inputs := []string{"one", "two", "three", "four"}
	for _, in := range inputs {
		if err := o.HandleTextMessage(context.Background(), tr, TextRequest{SessionID: "v", Input: in}); err != nil {
			t.Fatalf("handle %s: %v", in, err)
		}
	}
	for range inputs {
		tr.waitTurn(t)
	}
	if model.overlap.Load() {
		t.Fatalf("socket turns overlapped")
	}
	for i, in := range inputs {
		if got := model.requests[i].Input; got != in {
			t.Fatalf("turn %d ran %q, want %q", i, got, in)
		}
	}
}

// hangModel blocks on the input "hang" until its context ends.
type hangModel struct{}

func (hangModel) ChatStream(ctx context.Context, req models.ChatRequest, onChunk func(string) error) (string, error) {
	if req.Input == "hang" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	reply := "r" + req.Input
	return reply, onChunk(reply)
}

func TestHungSessionDoesNotStallOtherSessions(t *testing.T) {
	d := worker.NewDispatcher(worker.Config{MinWorkers: 0, MaxWorkers: 2, QueueSize: 16})
	t.Cleanup(d.Stop)
	o := newTestOrchestrator(t, Config{TurnTimeout: 5 * time.Second}, Dependencies{
		Model:      hangModel{},
		Dispatcher: d,
	})
	ctx := context.Background()

	trA := newFakeTransport()
	for _, input := range []string{"hang", "a2", "a3", "a4"} {
		if err := o.HandleTextMessage(ctx, trA, TextRequest{SessionID: "a", Input: input}); err != nil {
			t.Fatalf("schedule %s: %v", input, err)
		}
	}
	trB := newFakeTransport()
	start := time.Now()
	if err := o.HandleTextMessage(ctx, trB, TextRequest{SessionID: "b", Input: "b1"}); err != nil {
		t.Fatalf("schedule b1: %v", err)
	}
	select {
	case <-trB.turns:
	case <-time.After(time.Second):
		t.Fatalf("session b blocked behind session a for %s", time.Since(start))
	}
	if !equalTypes(trB.types(), EventLLMChunk, EventLLMEnd, EventTurnEnd) {
		t.Fatalf("unexpected events for session b: %v", trB.types())
	}
	o.CleanupSession("a")
}
