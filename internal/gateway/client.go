package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx control API response.
type APIError struct {
	Status  int
	Message string
	Class   string
}

func (e *APIError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Class, e.Status)
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.Status)
}

// Client calls a running daemon's control API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient accepts host:port or a full http(s) URL.
func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskView, error) {
	var v TaskView
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PostMessage returns the new message id.
func (c *Client) PostMessage(ctx context.Context, taskID, sender, content string) (string, error) {
	var out map[string]string
	path := "/api/tasks/" + url.PathEscape(taskID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, PostMessageRequest{Sender: sender, Content: content}, &out); err != nil {
		return "", err
	}
	return out["id"], nil
}

func (c *Client) Approve(ctx context.Context, taskID, actor string) (*TaskView, error) {
	var v TaskView
	path := "/api/tasks/" + url.PathEscape(taskID) + "/approve"
	if err := c.do(ctx, http.MethodPost, path, ActorRequest{Actor: actor}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Unblock(ctx context.Context, taskID, actor, to string) (bool, error) {
	var out map[string]bool
	path := "/api/tasks/" + url.PathEscape(taskID) + "/unblock"
	if err := c.do(ctx, http.MethodPost, path, ActorRequest{Actor: actor, To: to}, &out); err != nil {
		return false, err
	}
	return out["changed"], nil
}

func (c *Client) ClearDone(ctx context.Context, scope, actor string) (int64, error) {
	var out map[string]int64
	path := "/api/scopes/" + url.PathEscape(scope) + "/clear-done"
	if err := c.do(ctx, http.MethodPost, path, ActorRequest{Actor: actor}, &out); err != nil {
		return 0, err
	}
	return out["cleared"], nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error, Class: eb.Class}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
