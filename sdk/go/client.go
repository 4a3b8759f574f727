package actiongatesdk

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

// Client is a minimal Actiongate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ActionStep is one executor dispatch of a proposed action.
type ActionStep struct {
	Endpoint string         `json:"endpoint"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Evidence backs an approval request.
type Evidence struct {
	WhatChanges    string `json:"what_changes"`
	WhyNow         string `json:"why_now,omitempty"`
	ImpactForecast string `json:"impact_forecast,omitempty"`
}

// Rollback describes how to undo an applied action.
type Rollback struct {
	Steps            string `json:"steps"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
}

// Grades are reviewer scores on a 1-5 scale.
type Grades struct {
	Tone     *int `json:"tone,omitempty"`
	Accuracy *int `json:"accuracy,omitempty"`
	Policy   *int `json:"policy,omitempty"`
}

// Receipt is the executor's acknowledgement of a dispatched action.
type Receipt struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id,omitempty"`
	Status     string `json:"status"`
	ReceivedAt string `json:"received_at"`
}

// Action is the API action model.
type Action struct {
	ID        string       `json:"id"`
	Kind      string       `json:"kind"`
	State     string       `json:"state"`
	Summary   string       `json:"summary"`
	CreatedBy string       `json:"created_by"`
	Evidence  *Evidence    `json:"evidence,omitempty"`
	Rollback  *Rollback    `json:"rollback,omitempty"`
	Actions   []ActionStep `json:"actions"`
	Grades    *Grades      `json:"grades,omitempty"`
	Receipt   *Receipt     `json:"receipt,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Version   int64        `json:"version"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

// AuditRecord is one row of an action's transition history.
type AuditRecord struct {
	ID        int64  `json:"id"`
	ActionID  string `json:"action_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts"`
}

// SubmitRequest carries a new proposed action.
type SubmitRequest struct {
	Kind     string       `json:"kind"`
	Summary  string       `json:"summary"`
	Actions  []ActionStep `json:"actions"`
	Evidence *Evidence    `json:"evidence,omitempty"`
	Rollback *Rollback    `json:"rollback,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedActions wraps list responses.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextOffset *int     `json:"next_offset,omitempty"`
}

// Submit proposes a new action for review.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions", req, &resp)
	return resp, err
}

// Get fetches an action by id.
func (c *Client) Get(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, c.actionPath(id, ""), nil, &resp)
	return resp, err
}

// List returns actions, optionally filtered by state.
func (c *Client) List(ctx context.Context, state string, limit, offset int) (PaginatedActions, error) {
	endpoint := "v0/actions"
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a pending action, optionally merging payload overrides.
func (c *Client) Approve(ctx context.Context, id string, overrides map[string]any, grades *Grades) (Action, error) {
	body := map[string]any{}
	if len(overrides) > 0 {
		body["overrides"] = overrides
	}
	if grades != nil {
		body["grades"] = grades
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, c.actionPath(id, "approve"), body, &resp)
	return resp, err
}

// Reject rejects a pending action with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.actionPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RequestChanges records a note and keeps the action in review.
func (c *Client) RequestChanges(ctx context.Context, id, note string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.actionPath(id, "request-changes"), map[string]any{"note": note}, &resp)
	return resp, err
}

// Apply dispatches an approved action.
func (c *Client) Apply(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.actionPath(id, "apply"), map[string]any{}, &resp)
	return resp, err
}

// AuditTrail returns the transition history for an action.
func (c *Client) AuditTrail(ctx context.Context, id string) ([]AuditRecord, error) {
	var resp []AuditRecord
	err := c.do(ctx, http.MethodGet, c.actionPath(id, "audit-trail"), nil, &resp)
	return resp, err
}

// Stats returns approval throughput counters.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) actionPath(id, suffix string) string {
	p := fmt.Sprintf("v0/actions/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
