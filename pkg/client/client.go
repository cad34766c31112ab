// Package client is the HTTP client for the PureBoot API, used by the
// CLI and by operator tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pureboot/pureboot/pkg/types"
)

// Client talks to one PureBoot controller.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the controller at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// envelope mirrors the server response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// APIError is a non-2xx response from the controller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out != nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// ListNodes returns all nodes, optionally filtered by state.
func (c *Client) ListNodes(ctx context.Context, state string) ([]*types.Node, error) {
	path := "/nodes"
	if state != "" {
		path += "?state=" + state
	}
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, path, nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode returns one node by id.
func (c *Client) GetNode(ctx context.Context, id string) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodGet, "/nodes/"+id, nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// CreateNode registers a node by MAC.
func (c *Client) CreateNode(ctx context.Context, mac, hostname string) (*types.Node, error) {
	var node types.Node
	body := map[string]string{"mac": mac, "hostname": hostname}
	if err := c.do(ctx, http.MethodPost, "/nodes", body, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ChangeState transitions a node.
func (c *Client) ChangeState(ctx context.Context, id, state string) (*types.Node, error) {
	var node types.Node
	body := map[string]string{"state": state, "trigger": "cli"}
	if err := c.do(ctx, http.MethodPatch, "/nodes/"+id+"/state", body, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Stats returns fleet statistics.
func (c *Client) Stats(ctx context.Context) (*types.NodeStats, error) {
	var stats types.NodeStats
	if err := c.do(ctx, http.MethodGet, "/nodes/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// NodeEvents returns the recent event history of a node.
func (c *Client) NodeEvents(ctx context.Context, id string) ([]*types.NodeEvent, error) {
	var events []*types.NodeEvent
	if err := c.do(ctx, http.MethodGet, "/nodes/"+id+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ListSessions returns all clone sessions.
func (c *Client) ListSessions(ctx context.Context) ([]*types.CloneSession, error) {
	var sessions []*types.CloneSession
	if err := c.do(ctx, http.MethodGet, "/clone-sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CancelSession cancels a clone session.
func (c *Client) CancelSession(ctx context.Context, id string) (*types.CloneSession, error) {
	var session types.CloneSession
	if err := c.do(ctx, http.MethodPost, "/clone-sessions/"+id+"/cancel", nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListWorkflows returns the loaded workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	var workflows []*types.Workflow
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// ReloadWorkflows asks the controller to re-read its workflow directory.
func (c *Client) ReloadWorkflows(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/workflows/reload", nil, nil)
}
