package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/syncline/internal/credentials"
)

// DefaultRefreshPath is the renewal endpoint relative to the REST base URL.
const DefaultRefreshPath = "/auth/refresh"

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Renewer exchanges refresh tokens at the backend's renewal endpoint. It
// talks to the transport directly, never through a Pipeline, so a 401 here
// cannot recurse into another renewal.
type Renewer struct {
	transport Transport
	path      string
}

var _ credentials.Renewer = (*Renewer)(nil)

// NewRenewer creates a renewer posting to path. An empty path uses
// DefaultRefreshPath.
func NewRenewer(t Transport, path string) *Renewer {
	if path == "" {
		path = DefaultRefreshPath
	}
	return &Renewer{transport: t, path: path}
}

func (r *Renewer) Renew(ctx context.Context, refreshToken string) (credentials.Pair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return credentials.Pair{}, fmt.Errorf("encode refresh request: %w", err)
	}

	resp, err := r.transport.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   r.path,
		Body:   body,
	}, "")
	if err != nil {
		return credentials.Pair{}, &Error{Kind: KindNetworkFailure, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return credentials.Pair{}, classify(resp, time.Now())
	}

	var out refreshResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return credentials.Pair{}, fmt.Errorf("unmarshal refresh response: %w", err)
	}
	return credentials.Pair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
	}, nil
}
