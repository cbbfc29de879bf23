// Package client talks to a running r2clone server over its REST API and the
// observer websocket.
package client

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

	"r2clone/internal/engine"
	"r2clone/internal/models"
)

// Client handles HTTP communication with the server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new HTTP client for the server at baseURL
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // starts wait for preflight
		},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Job is a job as listed by the server.
type Job struct {
	models.Job
	Active  bool       `json:"active"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// ListJobs returns every job
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// StartJob starts a run of jobID
func (c *Client) StartJob(ctx context.Context, jobID string, opts engine.StartOptions) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/start", opts, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// StopJob stops the active run of jobID and returns its run ID
func (c *Client) StopJob(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/stop", nil, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// StopAll stops every active run
func (c *Client) StopAll(ctx context.Context) ([]string, error) {
	var resp struct {
		Stopped []string `json:"stopped"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/stop", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stopped, nil
}

// ListRuns returns the runs of jobID, newest first, optionally filtered by status
func (c *Client) ListRuns(ctx context.Context, jobID string, statuses ...string) ([]models.Run, error) {
	path := "/api/v1/jobs/" + url.PathEscape(jobID) + "/runs"
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var resp struct {
		Runs []models.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Active returns the active executions
func (c *Client) Active(ctx context.Context) ([]engine.Info, error) {
	var resp struct {
		Active []engine.Info `json:"active"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Active, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
