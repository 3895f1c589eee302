// Package containerclient is the C5 component: a typed HTTP client to
// the per-town container runtime that actually starts and drives agent
// processes. Styled on the teacher's internal/rpcclient.Client —
// functional options, a shared *http.Client, JSON request/response
// bodies — but pointed at the runtime's start/stop/message/status
// surface instead of the teacher's RPC method set.
package containerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client talks to one town's container runtime over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient overrides the underlying *http.Client entirely,
// e.g. to point at an httptest.Server transport in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client against baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartAgentRequest is the body of StartAgent, matching spec.md §4.5's
// documented fields.
type StartAgentRequest struct {
	AgentID       string            `json:"agentId"`
	RigID         string            `json:"rigId"`
	TownID        string            `json:"townId"`
	Role          string            `json:"role"`
	Name          string            `json:"name"`
	Identity      string            `json:"identity"`
	Prompt        string            `json:"prompt"`
	Model         string            `json:"model"`
	SystemPrompt  string            `json:"systemPrompt"`
	GitURL        string            `json:"gitUrl"`
	Branch        string            `json:"branch"`
	DefaultBranch string            `json:"defaultBranch"`
	EnvVars       map[string]string `json:"envVars"`
}

// StartAgentResponse is the result of StartAgent.
type StartAgentResponse struct {
	ProcessID string `json:"processId"`
}

// StartAgent launches a new container process for an agent.
func (c *Client) StartAgent(ctx context.Context, req StartAgentRequest) (*StartAgentResponse, error) {
	var resp StartAgentResponse
	if err := c.post(ctx, "/agents/start", req, &resp); err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	return &resp, nil
}

// StopAgent terminates a container process.
func (c *Client) StopAgent(ctx context.Context, processID string) error {
	return c.post(ctx, "/agents/stop", map[string]string{"processId": processID}, nil)
}

// SendMessage delivers a message to a running agent process.
func (c *Client) SendMessage(ctx context.Context, processID, message string) error {
	return c.post(ctx, "/agents/message", map[string]string{"processId": processID, "message": message}, nil)
}

// AgentStatus describes a container process's observed liveness. Status
// is one of "running", "exited", or "not_found"; ExitReason is set only
// when Status is "exited" ("completed" or any other reason string the
// runtime reports).
type AgentStatus struct {
	ProcessID  string `json:"processId"`
	Running    bool   `json:"running"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exitCode"`
	ExitReason string `json:"exitReason"`
}

// AgentStatus fetches a container process's current status. A 404 from
// the runtime is not treated as an error: it means the process is gone,
// reported back as Status "not_found" so Pass A can reset the agent.
func (c *Client) AgentStatus(ctx context.Context, processID string) (*AgentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/"+processID+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching agent status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &AgentStatus{ProcessID: processID, Status: "not_found"}, nil
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("container runtime returned %d: %s", resp.StatusCode, string(data))
	}
	var out AgentStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Status == "" {
		if out.Running {
			out.Status = "running"
		} else {
			out.Status = "exited"
		}
	}
	return &out, nil
}

// StreamTicketResponse carries a short-lived ticket for streaming a
// process's output.
type StreamTicketResponse struct {
	Ticket string `json:"ticket"`
	URL    string `json:"url"`
}

// StreamTicket requests a streaming ticket for processID's output.
func (c *Client) StreamTicket(ctx context.Context, processID string) (*StreamTicketResponse, error) {
	var resp StreamTicketResponse
	if err := c.get(ctx, "/agents/"+processID+"/stream-ticket", &resp); err != nil {
		return nil, fmt.Errorf("requesting stream ticket: %w", err)
	}
	return &resp, nil
}

// StartMergeRequest is the body of StartMerge, matching spec.md §4.5's
// documented fields.
type StartMergeRequest struct {
	EntryID      string            `json:"entry_id"`
	RigID        string            `json:"rigId"`
	Branch       string            `json:"branch"`
	TargetBranch string            `json:"targetBranch"`
	BeadID       string            `json:"bead_id"`
	AgentID      string            `json:"agent_id"`
	PRURL        string            `json:"pr_url,omitempty"`
	EnvVars      map[string]string `json:"envVars"`
}

// StartMergeResponse is the result of StartMerge.
type StartMergeResponse struct {
	MergeID string `json:"mergeId"`
}

// StartMerge asks the runtime to begin merging branch into targetBranch.
func (c *Client) StartMerge(ctx context.Context, req StartMergeRequest) (*StartMergeResponse, error) {
	var resp StartMergeResponse
	if err := c.post(ctx, "/merge", req, &resp); err != nil {
		return nil, fmt.Errorf("starting merge: %w", err)
	}
	return &resp, nil
}

// Health reports whether the runtime is reachable and ready.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("container runtime request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("container runtime returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
