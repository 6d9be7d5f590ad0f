// Package client is a typed HTTP client for the experimentd daemon
// API, for tooling that drives experiments from outside the daemon
// process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client talks to an experimentd daemon over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates an experimentd API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks whether the daemon is running and answering.
func (c *Client) IsReachable(ctx context.Context) bool {
	var models []string
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/models", nil, &models); err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return true
}

// Run starts a new experiment and returns the persisted record.
func (c *Client) Run(ctx context.Context, req RunRequest) (Experiment, error) {
	var e Experiment
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/experiments", req, &e)
	return e, err
}

// Get fetches one experiment by id.
func (c *Client) Get(ctx context.Context, id string) (Experiment, error) {
	var e Experiment
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/experiments/"+url.PathEscape(id), nil, &e)
	return e, err
}

// Continue resumes a finished experiment.
func (c *Client) Continue(ctx context.Context, id string, req ContinueRequest) (Experiment, error) {
	var e Experiment
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/experiments/"+url.PathEscape(id)+"/continue", req, &e)
	return e, err
}

// Group lists a group's experiments in insertion order.
func (c *Client) Group(ctx context.Context, groupID string) ([]Experiment, error) {
	var list []Experiment
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/groups/"+url.PathEscape(groupID), nil, &list)
	return list, err
}

// ContinueGroup resumes every experiment in the group. Partial
// failures are reported in the result, not as a request error.
func (c *Client) ContinueGroup(ctx context.Context, groupID string, req ContinueRequest) (GroupContinueResult, error) {
	var out GroupContinueResult
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/groups/"+url.PathEscape(groupID)+"/continue", req, &out)
	return out, err
}

// Clients lists the execution client pool.
func (c *Client) Clients(ctx context.Context) ([]PoolEntry, error) {
	var list []PoolEntry
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/clients", nil, &list)
	return list, err
}

// AddClient registers a host:port execution endpoint in the pool.
func (c *Client) AddClient(ctx context.Context, address string) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/clients", map[string]string{"address": address}, nil)
}

// PutUser upserts an experiment owner.
func (c *Client) PutUser(ctx context.Context, u User) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/users", u, nil)
}

// Models lists the model kinds the daemon can train.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var models []string
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/models", nil, &models)
	return models, err
}

// doJSON performs one request, encoding body and decoding into out
// when non-nil.
func (c *Client) doJSON(ctx context.Context, method, reqURL string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "url", reqURL, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&errResp); derr != nil || errResp.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
