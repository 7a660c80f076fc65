package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

type HTTPConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	SubmitPath  string // default "/tasks"
	PollPath    string // "{id}" is replaced with the escaped task id; default "/tasks/{id}"
	TaskIDField string // empty: try "result", "id", "task_id"
	ResultField string // empty: "result"; "." uses the whole poll body
	Timeout     time.Duration
}

// WholeBodyResult as ResultField makes the entire poll response the result.
const WholeBodyResult = "."

// HTTPAdapter talks to a JSON task API with bearer auth.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPAdapter(cfg HTTPConfig, client *http.Client) *HTTPAdapter {
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = "/tasks"
	}
	if cfg.PollPath == "" {
		cfg.PollPath = "/tasks/{id}"
	}
	if cfg.ResultField == "" {
		cfg.ResultField = "result"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	} else if client.Timeout == 0 || client.Timeout > cfg.Timeout {
		// shared clients keep their transport; the deadline is per provider
		c := *client
		c.Timeout = cfg.Timeout
		client = &c
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPAdapter{cfg: cfg, client: client}
}

func (a *HTTPAdapter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := req.Payload
	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage(`{}`)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.SubmitPath, bytes.NewReader(body))
	if err != nil {
		return "", PermanentError(0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	raw, err := a.do(httpReq)
	if err != nil {
		return "", err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", PermanentError(0, fmt.Errorf("%s: decode submit response: %w", a.cfg.Name, err))
	}

	keys := []string{"result", "id", "task_id"}
	if a.cfg.TaskIDField != "" {
		keys = []string{a.cfg.TaskIDField}
	}
	for _, k := range keys {
		if id := stringField(fields[k]); id != "" {
			return id, nil
		}
	}
	return "", PermanentError(0, fmt.Errorf("%s: submit response has no task id", a.cfg.Name))
}

func (a *HTTPAdapter) Poll(ctx context.Context, externalTaskID string) (TaskStatus, error) {
	path := strings.ReplaceAll(a.cfg.PollPath, "{id}", url.PathEscape(externalTaskID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return TaskStatus{}, PermanentError(0, err)
	}

	raw, err := a.do(httpReq)
	if err != nil {
		return TaskStatus{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TaskStatus{}, TransientError(0, fmt.Errorf("%s: decode poll response: %w", a.cfg.Name, err))
	}

	status, ok := NormalizeStatus(stringField(fields["status"]))
	if !ok {
		return TaskStatus{}, TransientError(0, fmt.Errorf("%s: unrecognized task status %s", a.cfg.Name, string(fields["status"])))
	}

	out := TaskStatus{Status: status}
	switch status {
	case StatusSucceeded:
		if a.cfg.ResultField == WholeBodyResult {
			out.Result = json.RawMessage(raw)
		} else if res, ok := fields[a.cfg.ResultField]; ok {
			out.Result = res
		}
	case StatusFailed:
		out.Error = errorMessage(fields)
	}
	return out, nil
}

func (a *HTTPAdapter) do(req *http.Request) ([]byte, error) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, TransientError(0, fmt.Errorf("%s: %w", a.cfg.Name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, TransientError(resp.StatusCode, fmt.Errorf("%s: read body: %w", a.cfg.Name, err))
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, TransientError(resp.StatusCode, errors.New(snippet(raw)))
	case resp.StatusCode >= 400:
		return nil, PermanentError(resp.StatusCode, errors.New(snippet(raw)))
	}
	return raw, nil
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// errorMessage accepts "error": "msg", "error": {"message": "msg"} and the
// "task_error" variant some providers use.
func errorMessage(fields map[string]json.RawMessage) string {
	for _, k := range []string{"error", "task_error", "message"} {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		if s := stringField(raw); s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return "provider reported task failure"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		s = "empty response body"
	}
	return s
}
