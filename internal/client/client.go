// Package client talks to a polydeploy server: it creates sessions, uploads
// archives, starts installs and polls for their outcome.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3cpo-dev/polydeploy/internal/logging"
	"github.com/3cpo-dev/polydeploy/pkg/api"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	BaseURL string
	Token   string
	http    *retrier
}

// New returns a client for baseURL using DefaultRetryConfig.
func New(baseURL, token string) *Client {
	return NewWithHTTP(baseURL, token, &http.Client{Timeout: 5 * time.Minute}, DefaultRetryConfig())
}

func NewWithHTTP(baseURL, token string, hc *http.Client, retry RetryConfig) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		http:    &retrier{client: hc, cfg: retry, log: logging.Component("client")},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) call(req *http.Request, idempotent bool, want int, out any) error {
	resp, err := c.http.do(req, idempotent)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e api.ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Heartbeat(ctx context.Context) (*api.HeartbeatResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v0/heartbeat", nil)
	if err != nil {
		return nil, err
	}
	var hb api.HeartbeatResponse
	return &hb, c.call(req, true, http.StatusOK, &hb)
}

func (c *Client) CreateSession(ctx context.Context) (*api.Session, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v0/sessions", nil)
	if err != nil {
		return nil, err
	}
	var s api.Session
	if err := c.call(req, false, http.StatusCreated, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*api.Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v0/sessions/"+id, nil)
	if err != nil {
		return nil, err
	}
	var s api.Session
	if err := c.call(req, true, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Summary(ctx context.Context, id string) (*api.Summary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v0/sessions/"+id+"/summary", nil)
	if err != nil {
		return nil, err
	}
	var s api.Summary
	if err := c.call(req, true, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UploadArchive sends a local archive as the multipart field "file".
// Re-uploading replaces the archive, so the call is retried.
func (c *Client) UploadArchive(ctx context.Context, id, path string) (*api.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v0/sessions/"+id+"/archives", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var s api.Session
	if err := c.call(req, true, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Install starts the session's batch. It returns as soon as the server has
// accepted the request.
func (c *Client) Install(ctx context.Context, id string) (*api.Session, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v0/sessions/"+id+"/install", nil)
	if err != nil {
		return nil, err
	}
	var s api.Session
	if err := c.call(req, false, http.StatusAccepted, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
