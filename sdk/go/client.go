package sitelinesdk

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

// Client is a minimal Siteline HTTP API client.
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

// Project represents the API project model.
type Project struct {
	ID              string  `json:"id"`
	Code            string  `json:"code"`
	Name            string  `json:"name"`
	HouseType       string  `json:"house_type"`
	Stage           string  `json:"stage"`
	PercentComplete int     `json:"percent_complete"`
	Status          string  `json:"status"`
	StartDate       string  `json:"start_date"`
	OriginalTarget  string  `json:"original_target"`
	TargetFinish    string  `json:"target_finish"`
	ActualFinish    *string `json:"actual_finish,omitempty"`
	DelayDays       int     `json:"delay_days"`
	IsDelayed       bool    `json:"is_delayed"`
	DelayReason     string  `json:"delay_reason,omitempty"`
	AssignedToID    *string `json:"assigned_to_id,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// HistoryEntry is one audit record.
type HistoryEntry struct {
	ID            int64   `json:"id"`
	ProjectID     string  `json:"project_id"`
	ChangedBy     string  `json:"changed_by"`
	ChangedByName string  `json:"changed_by_name,omitempty"`
	Field         string  `json:"field"`
	OldValue      *string `json:"old_value,omitempty"`
	NewValue      *string `json:"new_value,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// Stage is one catalog row.
type Stage struct {
	HouseType string `json:"house_type"`
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
}

// CreateProject registers a new project.
type CreateProject struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	HouseType    string `json:"house_type"`
	Stage        string `json:"stage,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	TargetFinish string `json:"target_finish"`
	AssignedToID string `json:"assigned_to_id,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// UpdateProject is a partial update; nil fields are left untouched.
type UpdateProject struct {
	Code         *string `json:"code,omitempty"`
	Name         *string `json:"name,omitempty"`
	HouseType    *string `json:"house_type,omitempty"`
	Stage        *string `json:"stage,omitempty"`
	Status       *string `json:"status,omitempty"`
	StartDate    *string `json:"start_date,omitempty"`
	TargetFinish *string `json:"target_finish,omitempty"`
	ActualFinish *string `json:"actual_finish,omitempty"`
	AssignedToID *string `json:"assigned_to_id,omitempty"`
	IsDelayed    *bool   `json:"is_delayed,omitempty"`
	DelayReason  *string `json:"delay_reason,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Create registers a project.
func (c *Client) Create(ctx context.Context, in CreateProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", in, &resp)
	return resp, err
}

// Get fetches a project by id or code.
func (c *Client) Get(ctx context.Context, ref string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v1/projects/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// List returns projects, optionally filtered by status.
func (c *Client) List(ctx context.Context, status string) ([]Project, error) {
	endpoint := "v1/projects"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Update applies a partial update.
func (c *Client) Update(ctx context.Context, ref string, in UpdateProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPatch, "v1/projects/"+url.PathEscape(ref), in, &resp)
	return resp, err
}

// CheckCompliance runs the SLA scan on one project.
func (c *Client) CheckCompliance(ctx context.Context, ref string) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	endpoint := fmt.Sprintf("v1/projects/%s/compliance-check", url.PathEscape(ref))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Project, err
}

// History returns a project's audit trail.
func (c *Client) History(ctx context.Context, ref string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	endpoint := fmt.Sprintf("v1/projects/%s/history", url.PathEscape(ref))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stages returns the catalog for a house type.
func (c *Client) Stages(ctx context.Context, houseType string) ([]Stage, error) {
	var resp []Stage
	endpoint := "v1/stages?house_type=" + url.QueryEscape(houseType)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
