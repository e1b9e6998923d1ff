// Package client provides an HTTP client for a running deskrec daemon.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deskrec/deskrec"
)

// Client talks to the deskrec control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8951/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new client from the given configuration.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger,
	}
}

// IsReachable reports whether the daemon answers its status endpoint.
func (c *Client) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		c.logger.Debug("daemon not reachable", "url", c.baseURL, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// StartSession asks the daemon to begin a recording session.
func (c *Client) StartSession(name string) (deskrec.Status, error) {
	body, _ := json.Marshal(StartRequest{Name: name})
	return c.do(http.MethodPost, "/start", bytes.NewReader(body))
}

// StopSession asks the daemon to stop the active session.
func (c *Client) StopSession() (deskrec.Status, error) {
	return c.do(http.MethodPost, "/stop", nil)
}

// GetStatus fetches the current session status.
func (c *Client) GetStatus() (deskrec.Status, error) {
	return c.do(http.MethodGet, "/status", nil)
}

func (c *Client) do(method, path string, body io.Reader) (deskrec.Status, error) {
	var st deskrec.Status
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return st, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return st, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return st, fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return st, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	err = json.Unmarshal(b, &st)
	return st, err
}
