package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/passage-dev/passage/internal/config"
)

// Command is a queued instruction fetched from the edge.
type Command struct {
	ID      string   `json:"id"`
	Action  string   `json:"action"`
	Project *Project `json:"project"`
}

// Project carries the fields the agent needs to run a project's process.
type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Command string `json:"command"`
	Port    *int   `json:"port"`
}

// LogLine is one captured output line shipped back as a project log.
type LogLine struct {
	LogType string `json:"log_type"`
	Content string `json:"content"`
}

// HeartbeatResponse is the edge's answer to a heartbeat. Outdated is set
// only when the edge could compare versions.
type HeartbeatResponse struct {
	Success  bool  `json:"success"`
	Outdated *bool `json:"outdated,omitempty"`
}

type heartbeatRequest struct {
	Status     string         `json:"status"`
	SystemInfo map[string]any `json:"system_info"`
	Version    string         `json:"version,omitempty"`
}

type commandsResponse struct {
	Success  bool      `json:"success"`
	Commands []Command `json:"commands"`
}

type completeRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	PID     *int   `json:"pid,omitempty"`
}

type shipLogsRequest struct {
	ProjectID string    `json:"project_id"`
	Logs      []LogLine `json:"logs"`
}

const (
	restCallTimeout = 10 * time.Second
	restMaxTries    = 3
)

// Client talks to the edge's agent REST plane. Calls are retried with
// exponential backoff; 4xx answers are not retried since they will not
// heal on their own.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: restCallTimeout},
	}
}

// Heartbeat reports the agent alive with a fresh system snapshot.
func (c *Client) Heartbeat(ctx context.Context, systemInfo map[string]any) (*HeartbeatResponse, error) {
	req := heartbeatRequest{
		Status:     "online",
		SystemInfo: systemInfo,
		Version:    config.Version,
	}
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/heartbeat", req, &resp); err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	return &resp, nil
}

// PollCommands fetches the pending commands queued for this agent.
func (c *Client) PollCommands(ctx context.Context) ([]Command, error) {
	var resp commandsResponse
	if err := c.do(ctx, http.MethodGet, "/api/agent/commands", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to poll commands: %w", err)
	}
	return resp.Commands, nil
}

// CompleteCommand reports a command's terminal state back to the edge.
func (c *Client) CompleteCommand(ctx context.Context, commandID string, success bool, message string, pid *int) error {
	req := completeRequest{Success: success, Message: message, PID: pid}
	if err := c.do(ctx, http.MethodPost, "/api/agent/commands/"+commandID+"/complete", req, nil); err != nil {
		return fmt.Errorf("failed to report command completion: %w", err)
	}
	return nil
}

// ShipLogs posts a batch of captured process output lines.
func (c *Client) ShipLogs(ctx context.Context, projectID string, lines []LogLine) error {
	req := shipLogsRequest{ProjectID: projectID, Logs: lines}
	if err := c.do(ctx, http.MethodPost, "/api/agent/logs", req, nil); err != nil {
		return fmt.Errorf("failed to ship logs: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	_, err := backoff.Retry(
		ctx,
		func() (struct{}, error) {
			return struct{}{}, c.doOnce(ctx, method, path, body, out)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(restMaxTries),
	)
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("X-Agent-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "passage-agent/"+config.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
