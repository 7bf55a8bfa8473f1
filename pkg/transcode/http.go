package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/observability"
)

// HTTPClient implements Client against the transcoding service's JSON API.
// Callers provide per-call deadlines through the context.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

type submitRequest struct {
	Source string `json:"source"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Status    string `json:"status"` // pending, running, done, error
	Output    string `json:"output,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, sourceLocation string) (string, error) {
	body, _ := json.Marshal(submitRequest{Source: sourceLocation})
	timer := time.Now()
	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	observability.ExternalCallDuration.WithLabelValues("transcode_submit").Observe(time.Since(timer).Seconds())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", job.Transient(fmt.Errorf("decode submit response: %w", err))
	}
	if out.ID == "" {
		return "", job.Transient(errors.New("submit response carried no job id"))
	}
	return out.ID, nil
}

func (c *HTTPClient) Poll(ctx context.Context, externalJobRef string) (Observation, error) {
	timer := time.Now()
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+externalJobRef, nil)
	observability.ExternalCallDuration.WithLabelValues("transcode_poll").Observe(time.Since(timer).Seconds())
	if err != nil {
		return Observation{}, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return Observation{}, fmt.Errorf("poll %s: %w", externalJobRef, err)
	}
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Observation{}, job.Transient(fmt.Errorf("decode poll response: %w", err))
	}

	switch out.Status {
	case "pending":
		return Observation{Status: StatusPending}, nil
	case "running":
		return Observation{Status: StatusRunning}, nil
	case "done":
		if out.Output == "" {
			return Observation{}, job.Transient(fmt.Errorf("poll %s: done without output location", externalJobRef))
		}
		return Observation{Status: StatusDone, OutputLocation: out.Output}, nil
	case "error":
		return Observation{Status: StatusError, Retryable: out.Retryable, Message: out.Message}, nil
	default:
		return Observation{}, job.Transient(fmt.Errorf("poll %s: unknown remote status %q", externalJobRef, out.Status))
	}
}

func (c *HTTPClient) Cancel(ctx context.Context, externalJobRef string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+externalJobRef, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// The job being gone remotely is a successful cancel.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := classifyStatus(resp); err != nil {
		return fmt.Errorf("cancel %s: %w", externalJobRef, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, job.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// network failure or deadline expiry
		return nil, job.Transient(err)
	}
	return resp, nil
}

// classifyStatus drains non-2xx responses into the retry taxonomy:
// throttling and server errors are transient, other 4xx permanent.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("transcoder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return job.Transient(err)
	}
	return job.Permanent(err)
}
