package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

const issuerHTTPTimeout = 10 * time.Second

// HTTPIssuer mints credentials from the credential-issuing endpoint.
type HTTPIssuer struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPIssuer(endpoint string, client *http.Client) *HTTPIssuer {
	if client == nil {
		client = &http.Client{Timeout: issuerHTTPTimeout}
	}
	return &HTTPIssuer{endpoint: strings.TrimRight(endpoint, "/"), httpClient: client}
}

type issueRequest struct {
	AccessKeyID     string `json:"AccessKeyId"`
	AccessKeySecret string `json:"AccessKeySecret"`
}

type issueResponse struct {
	Token struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
	} `json:"Token"`
	ErrMsg string `json:"ErrMsg"`
}

func (i *HTTPIssuer) Issue(ctx context.Context, accessKeyID, accessKeySecret string) (models.Credential, error) {
	body, err := json.Marshal(issueRequest{AccessKeyID: accessKeyID, AccessKeySecret: accessKeySecret})
	if err != nil {
		return models.Credential{}, fmt.Errorf("marshal issue request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return models.Credential{}, fmt.Errorf("credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.Credential{}, fmt.Errorf("credential endpoint error %d: %s", resp.StatusCode, string(msg))
	}
	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Credential{}, fmt.Errorf("decode credential response: %w", err)
	}
	if out.Token.ID == "" {
		if out.ErrMsg != "" {
			return models.Credential{}, fmt.Errorf("credential endpoint: %s", out.ErrMsg)
		}
		return models.Credential{}, fmt.Errorf("credential endpoint returned empty token")
	}
	return models.Credential{
		Value:     out.Token.ID,
		ExpiresAt: time.Unix(out.Token.ExpireTime, 0).UTC(),
	}, nil
}
