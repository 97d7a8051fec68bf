package regcyclesdk

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

// Client is a minimal regcycle HTTP API client.
type Client struct {
	BaseURL     string
	CycleID     string
	ReportID    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client scoped to one (cycle, report).
func New(baseURL, cycleID, reportID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		CycleID:  cycleID,
		ReportID: reportID,
		Timeout:  10 * time.Second,
	}
}

// Phase is the derived phase view.
type Phase struct {
	CycleID     string     `json:"cycle_id"`
	ReportID    string     `json:"report_id"`
	Phase       string     `json:"phase"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   *string    `json:"started_at,omitempty"`
	SLADeadline *string    `json:"sla_deadline,omitempty"`
	RiskLevel   string     `json:"risk_level"`
	Activities  []Activity `json:"activities,omitempty"`
}

// Activity is one instantiated activity within a phase.
type Activity struct {
	ID             string  `json:"id"`
	Phase          string  `json:"phase"`
	ActivityCode   string  `json:"activity_code"`
	Status         string  `json:"status"`
	IsBlocked      bool    `json:"is_blocked"`
	BlockingReason string  `json:"blocking_reason,omitempty"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// Assignment is a routed unit of work.
type Assignment struct {
	ID             string  `json:"id"`
	EntityType     string  `json:"entity_type"`
	EntityID       string  `json:"entity_id"`
	Assignee       string  `json:"assignee"`
	AssignmentType string  `json:"assignment_type"`
	Status         string  `json:"status"`
	Priority       string  `json:"priority,omitempty"`
	DueDate        *string `json:"due_date,omitempty"`
	IsOverdue      bool    `json:"is_overdue"`
	DaysUntilDue   *int    `json:"days_until_due,omitempty"`
}

// SweepResult summarizes one SLA sweep.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Overdue   int `json:"overdue"`
	AtRisk    int `json:"at_risk"`
	Escalated int `json:"escalated"`
	Failures  int `json:"failures"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetPhase returns the derived view of one phase.
func (c *Client) GetPhase(ctx context.Context, phase string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, c.phasePath(phase, ""), nil, &resp)
	return resp, err
}

// InitPhase instantiates the phase's activities from the template.
func (c *Client) InitPhase(ctx context.Context, phase string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.phasePath(phase, "init"), nil, &resp)
	return resp, err
}

// ResetPhase resets the phase to the current template.
func (c *Client) ResetPhase(ctx context.Context, phase string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.phasePath(phase, "reset"), nil, &resp)
	return resp, err
}

// ActivityAction applies start, complete, skip, or resubmit to an activity.
func (c *Client) ActivityAction(ctx context.Context, phase, code, action, reason string) (Activity, error) {
	var resp Activity
	endpoint := c.phasePath(phase, fmt.Sprintf("activities/%s/%s", url.PathEscape(code), url.PathEscape(action)))
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Assignments lists assignments for an assignee, delegations included.
func (c *Client) Assignments(ctx context.Context, assignee string, activeOnly bool) ([]Assignment, error) {
	endpoint := fmt.Sprintf("v1/assignments?assignee=%s&active_only=%v", url.QueryEscape(assignee), activeOnly)
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAssignment creates an assignment; re-creating an active slot returns
// the existing one.
func (c *Client) CreateAssignment(ctx context.Context, entityType, entityID, assignee, assignmentType string) (Assignment, error) {
	body := map[string]any{
		"entity_type":     entityType,
		"entity_id":       entityID,
		"assignee":        assignee,
		"assignment_type": assignmentType,
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v1/assignments", body, &resp)
	return resp, err
}

// AssignmentAction applies acknowledge, start, complete, approve, reject, or
// cancel with an optional body.
func (c *Client) AssignmentAction(ctx context.Context, id, action string, body map[string]any) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v1/assignments/%s/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Sweep triggers the SLA sweep.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "v1/sla/sweep", nil, &resp)
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) phasePath(phase, suffix string) string {
	p := fmt.Sprintf("v1/cycles/%s/reports/%s/phases/%s",
		url.PathEscape(c.CycleID), url.PathEscape(c.ReportID), url.PathEscape(phase))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
