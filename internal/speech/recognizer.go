package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
)

const statusSuccess = 20000000

// Recognizer transcribes one complete utterance per request.
type Recognizer struct {
	endpoint   string
	appKey     string
	format     string
	sampleRate int
	tokens     TokenSource
	httpClient *http.Client
}

func NewRecognizer(cfg config.SpeechConfig, tokens TokenSource, client *http.Client) *Recognizer {
	if client == nil {
		client = &http.Client{Timeout: cfg.TimeoutDuration()}
	}
	format := cfg.Format
	if format == "" {
		format = "pcm"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recognizer{
		endpoint:   strings.TrimRight(cfg.ASRURL, "/"),
		appKey:     cfg.AppKey,
		format:     format,
		sampleRate: sampleRate,
		tokens:     tokens,
		httpClient: client,
	}
}

type recognizeResponse struct {
	TaskID  string `json:"task_id"`
	Result  string `json:"result"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Recognize returns the transcription of audio. An empty string with a nil
// error means the service heard nothing.
func (r *Recognizer) Recognize(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("empty audio")
	}
	cred, err := r.tokens.GetValidToken(ctx)
	if err != nil {
		return "", fmt.Errorf("asr token: %w", err)
	}

	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse asr url: %w", err)
	}
	q := u.Query()
	q.Set("appkey", r.appKey)
	q.Set("format", r.format)
	q.Set("sample_rate", strconv.Itoa(r.sampleRate))
	q.Set("enable_punctuation_prediction", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-NLS-Token", cred.Value)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read asr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asr error %d: %s", resp.StatusCode, string(body))
	}
	var out recognizeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode asr response: %w", err)
	}
	if out.Status != statusSuccess {
		return "", fmt.Errorf("asr task %s failed: %d %s", out.TaskID, out.Status, out.Message)
	}
	return strings.TrimSpace(out.Result), nil
}
