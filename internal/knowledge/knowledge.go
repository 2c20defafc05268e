// Package knowledge retrieves character knowledge snippets for a query.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
)

// Store searches the knowledge base of one character.
type Store interface {
	Search(ctx context.Context, characterName, query string) ([]string, error)
}

const defaultTopK = 3

// HTTPStore queries the remote retrieval endpoint.
type HTTPStore struct {
	url        string
	apiKey     string
	topK       int
	httpClient *http.Client
}

func NewHTTPStore(cfg config.KnowledgeConfig, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: cfg.TimeoutDuration() + time.Second}
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &HTTPStore{
		url:        strings.TrimRight(cfg.SearchURL, "/"),
		apiKey:     cfg.APIKey,
		topK:       topK,
		httpClient: client,
	}
}

type searchRequest struct {
	Character string `json:"character"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
}

type searchResponse struct {
	Chunks []struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"chunks"`
}

func (s *HTTPStore) Search(ctx context.Context, characterName, query string) ([]string, error) {
	body, err := json.Marshal(searchRequest{Character: characterName, Query: query, TopK: s.topK})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge search error %d: %s", resp.StatusCode, string(msg))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode knowledge response: %w", err)
	}
	snippets := make([]string, 0, len(out.Chunks))
	for _, c := range out.Chunks {
		if text := strings.TrimSpace(c.Content); text != "" {
			snippets = append(snippets, text)
		}
	}
	return snippets, nil
}
