package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
)

// RemoteService is the document indexing service. Each call is one step of
// the upload protocol and needs the result of the previous one.
type RemoteService interface {
	ApplyLease(ctx context.Context, req LeaseRequest) (*Lease, error)
	Upload(ctx context.Context, lease *Lease, localPath string) error
	RegisterFile(ctx context.Context, leaseID string) (string, error)
	SubmitIndexJob(ctx context.Context, fileID string) (string, error)
}

type LeaseRequest struct {
	FileName string `json:"file_name"`
	MD5      string `json:"md5"`
	Size     int64  `json:"size_in_bytes"`
}

// Lease authorizes one direct upload.
type Lease struct {
	LeaseID   string            `json:"lease_id"`
	UploadURL string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
}

// IndexState is the remote status of an index job.
type IndexState struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	IndexCompleted = "COMPLETED"
	IndexFailed    = "FAILED"
)

// HTTPRemote talks to the indexing service's REST API.
type HTTPRemote struct {
	baseURL     string
	apiKey      string
	workspaceID string
	categoryID  string
	indexID     string
	httpClient  *http.Client
}

func NewHTTPRemote(cfg config.IngestionConfig, client *http.Client) *HTTPRemote {
	if client == nil {
		client = &http.Client{Timeout: cfg.CallTimeoutDuration() + 5*time.Second}
	}
	return &HTTPRemote{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		workspaceID: cfg.WorkspaceID,
		categoryID:  cfg.CategoryID,
		indexID:     cfg.IndexID,
		httpClient:  client,
	}
}

type envelope[T any] struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (r *HTTPRemote) ApplyLease(ctx context.Context, req LeaseRequest) (*Lease, error) {
	path := fmt.Sprintf("/workspaces/%s/categories/%s/upload-leases", url.PathEscape(r.workspaceID), url.PathEscape(r.categoryID))
	lease, err := doJSON[Lease](ctx, r, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	if lease.LeaseID == "" || lease.UploadURL == "" {
		return nil, fmt.Errorf("lease response missing id or url")
	}
	return &lease, nil
}

// Upload streams the file to the lease URL. The URL is pre-signed, so only
// the lease headers are sent.
func (r *HTTPRemote) Upload(ctx context.Context, lease *Lease, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	method := lease.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, lease.UploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	for k, v := range lease.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload rejected %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

func (r *HTTPRemote) RegisterFile(ctx context.Context, leaseID string) (string, error) {
	path := fmt.Sprintf("/workspaces/%s/files", url.PathEscape(r.workspaceID))
	out, err := doJSON[struct {
		FileID string `json:"file_id"`
	}](ctx, r, http.MethodPost, path, map[string]string{
		"lease_id":    leaseID,
		"category_id": r.categoryID,
	})
	if err != nil {
		return "", err
	}
	if out.FileID == "" {
		return "", fmt.Errorf("register response missing file id")
	}
	return out.FileID, nil
}

func (r *HTTPRemote) SubmitIndexJob(ctx context.Context, fileID string) (string, error) {
	path := fmt.Sprintf("/workspaces/%s/indices/%s/jobs", url.PathEscape(r.workspaceID), url.PathEscape(r.indexID))
	out, err := doJSON[struct {
		JobID string `json:"job_id"`
	}](ctx, r, http.MethodPost, path, map[string]any{
		"file_ids": []string{fileID},
	})
	if err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("index response missing job id")
	}
	return out.JobID, nil
}

// IndexJobStatus fetches the state of a previously submitted index job.
func (r *HTTPRemote) IndexJobStatus(ctx context.Context, remoteJobID string) (IndexState, error) {
	path := fmt.Sprintf("/workspaces/%s/indices/%s/jobs/%s",
		url.PathEscape(r.workspaceID), url.PathEscape(r.indexID), url.PathEscape(remoteJobID))
	return doJSON[IndexState](ctx, r, http.MethodGet, path, nil)
}

func doJSON[T any](ctx context.Context, r *HTTPRemote, method, path string, body any) (T, error) {
	var zero T
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return zero, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return zero, fmt.Errorf("read response: %w", err)
	}
	var env envelope[T]
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return zero, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return zero, fmt.Errorf("remote error %d: %s", resp.StatusCode, msg)
	}
	return env.Data, nil
}
