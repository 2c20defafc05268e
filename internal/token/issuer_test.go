package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPIssuerDecodesToken(t *testing.T) {
	expire := time.Now().Add(24 * time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req issueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "id", req.AccessKeyID)
		assert.Equal(t, "secret", req.AccessKeySecret)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Token": map[string]any{"Id": "abc", "ExpireTime": expire},
		})
	}))
	defer srv.Close()

	cred, err := NewHTTPIssuer(srv.URL, nil).Issue(context.Background(), "id", "secret")
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.Value)
	assert.Equal(t, expire, cred.ExpiresAt.Unix())
}

func TestHTTPIssuerReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTPIssuer(srv.URL, nil).Issue(context.Background(), "id", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPIssuerRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ErrMsg":"bad key"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPIssuer(srv.URL, nil).Issue(context.Background(), "id", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}
