// Package client is a typed client for the reshard administrative API.
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

	"github.com/openfroyo/reshard/pkg/api"
	"github.com/openfroyo/reshard/pkg/engine"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}

	// Plans is set when a create request conflicts with active plans.
	Plans []*engine.Plan
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Client talks to one reshard server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL, e.g.
// "http://127.0.0.1:8080". A nil httpClient uses a 30s timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: no host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    httpClient,
	}, nil
}

// Ping checks that the server is up.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

// Phases returns the server's phase list in execution order.
func (c *Client) Phases(ctx context.Context) ([]string, error) {
	var resp api.PhasesResponse
	if err := c.do(ctx, http.MethodGet, "/phases", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Phases, nil
}

// CreatePlan creates a plan.
func (c *Client) CreatePlan(ctx context.Context, opts engine.CreateOptions) (*engine.Plan, error) {
	var plan engine.Plan
	if err := c.do(ctx, http.MethodPost, "/plan", opts, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlans lists active plans, or every plan when all is set.
func (c *Client) ListPlans(ctx context.Context, all bool) ([]*engine.PlanView, error) {
	path := "/plans"
	if all {
		path += "?all=true"
	}
	var resp api.PlansResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plans, nil
}

// GetPlan returns one plan.
func (c *Client) GetPlan(ctx context.Context, id string) (*engine.PlanView, error) {
	var v engine.PlanView
	if err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Pause pauses a plan now, or before atPhase when it is set.
func (c *Client) Pause(ctx context.Context, id, atPhase string) (*engine.PlanView, error) {
	var body interface{}
	if atPhase != "" {
		body = api.PauseRequest{PauseAtPhase: atPhase}
	}
	return c.action(ctx, id, "pause", body)
}

// Resume clears a pause.
func (c *Client) Resume(ctx context.Context, id string) (*engine.PlanView, error) {
	return c.action(ctx, id, "resume", nil)
}

// Unhold clears a hold.
func (c *Client) Unhold(ctx context.Context, id string) (*engine.PlanView, error) {
	return c.action(ctx, id, "unhold", nil)
}

// Archive deactivates a plan.
func (c *Client) Archive(ctx context.Context, id string) (*engine.PlanView, error) {
	return c.action(ctx, id, "archive", nil)
}

// Tuning returns a plan's tuning knobs.
func (c *Client) Tuning(ctx context.Context, id string) (map[string]float64, error) {
	var resp api.TuningResponse
	if err := c.do(ctx, http.MethodGet, "/plan/"+url.PathEscape(id)+"/tune", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tuning, nil
}

// Tune sets a tuning knob, or removes it when value is nil.
func (c *Client) Tune(ctx context.Context, id, name string, value *float64) (map[string]float64, error) {
	var resp api.TuningResponse
	path := "/plan/" + url.PathEscape(id) + "/tune/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodPost, path, api.TuneRequest{TuningValue: value}, &resp); err != nil {
		return nil, err
	}
	return resp.Tuning, nil
}

// Update posts an out-of-band notification to a phase handler.
func (c *Client) Update(ctx context.Context, id, token string, payload interface{}) error {
	path := "/update/" + url.PathEscape(id) + "/" + url.PathEscape(token)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) action(ctx context.Context, id, verb string, body interface{}) (*engine.PlanView, error) {
	var v engine.PlanView
	if err := c.do(ctx, http.MethodPost, "/plan/"+url.PathEscape(id)+"/"+verb, body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{StatusCode: status, Message: msg}
	}
	return &APIError{
		StatusCode: status,
		Code:       er.Code,
		Message:    er.Error,
		Details:    er.Details,
		Plans:      er.Plans,
	}
}
