package twinsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal factory twin HTTP API client. Every method issues
// exactly one request; nothing is cached.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds each call. Zero disables the per-call deadline.
	Timeout   time.Duration
	UserAgent string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Timeout:    10 * time.Second,
		UserAgent:  "factorytwin-sdk",
	}
}

// AgentKey names one of the backend agents that can be triggered.
type AgentKey string

const (
	AgentProduction  AgentKey = "production"
	AgentEnergy      AgentKey = "energy"
	AgentQuality     AgentKey = "quality"
	AgentMaintenance AgentKey = "maintenance"
	AgentSupply      AgentKey = "supply"
)

// AgentKeys lists the triggerable agents in display order.
var AgentKeys = []AgentKey{AgentProduction, AgentEnergy, AgentQuality, AgentMaintenance, AgentSupply}

var agentNames = map[AgentKey]string{
	AgentProduction:  "ProductionAgent",
	AgentEnergy:      "EnergyAgent",
	AgentQuality:     "QualityAgent",
	AgentMaintenance: "MaintenanceAgent",
	AgentSupply:      "SupplyChainAgent",
}

// ErrUnknownAgent is returned for agent keys outside AgentKeys.
var ErrUnknownAgent = errors.New("unknown agent")

// ParseAgentKey validates s against the known agent keys.
func ParseAgentKey(s string) (AgentKey, error) {
	k := AgentKey(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := agentNames[k]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownAgent, s)
	}
	return k, nil
}

// AgentName returns the backend agent name used for suggestions, e.g. "EnergyAgent".
func (k AgentKey) AgentName() string {
	return agentNames[k]
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TransportError is returned by every failed call, whether the request never
// completed, the backend answered non-2xx, or the body could not be decoded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status of the failed call, or 0 if none was received.
func (e *TransportError) StatusCode() int {
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Machines returns all machines.
func (c *Client) Machines(ctx context.Context) ([]Machine, error) {
	var resp []Machine
	err := c.do(ctx, "fetch machines", http.MethodGet, "data/machines", nil, &resp)
	return resp, err
}

// Orders returns all orders.
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	var resp []Order
	err := c.do(ctx, "fetch orders", http.MethodGet, "data/orders", nil, &resp)
	return resp, err
}

// Energy returns the energy price series in backend order.
func (c *Client) Energy(ctx context.Context) ([]EnergyPrice, error) {
	var resp []EnergyPrice
	err := c.do(ctx, "fetch energy", http.MethodGet, "data/energy", nil, &resp)
	return resp, err
}

// Decisions returns the most recent agent decisions, newest first.
func (c *Client) Decisions(ctx context.Context) ([]AgentDecision, error) {
	var resp []AgentDecision
	err := c.do(ctx, "fetch decisions", http.MethodGet, "data/decisions", nil, &resp)
	return resp, err
}

// UpdateMachine persists a partial machine update and returns the stored machine.
func (c *Client) UpdateMachine(ctx context.Context, id int64, fields MachineFields) (Machine, error) {
	var resp Machine
	endpoint := fmt.Sprintf("data/machines/%d", id)
	err := c.do(ctx, "update machine", http.MethodPut, endpoint, fields, &resp)
	return resp, err
}

// RunAllAgents triggers every agent and applies their actions server-side.
func (c *Client) RunAllAgents(ctx context.Context) (RunAllResult, error) {
	var resp RunAllResult
	err := c.do(ctx, "run all agents", http.MethodPost, "agents/run_all", nil, &resp)
	return resp, err
}

// RunAgent triggers a single agent. The acknowledgment is returned undecoded.
func (c *Client) RunAgent(ctx context.Context, key AgentKey) (json.RawMessage, error) {
	if _, ok := agentNames[key]; !ok {
		return nil, &TransportError{Op: "run agent", Err: fmt.Errorf("%w %q", ErrUnknownAgent, key)}
	}
	var resp json.RawMessage
	endpoint := "agents/" + url.PathEscape(string(key))
	err := c.do(ctx, "run agent", http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SuggestAgent asks an agent for a recommendation without applying it.
func (c *Client) SuggestAgent(ctx context.Context, agentName string) (Suggestion, error) {
	var resp Suggestion
	endpoint := "agents/suggest/" + url.PathEscape(agentName)
	err := c.do(ctx, "suggest", http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApplyActions submits actions for execution. Any rejection fails the whole call.
func (c *Client) ApplyActions(ctx context.Context, actions []Action) (ApplyResult, error) {
	if actions == nil {
		actions = []Action{}
	}
	body := map[string]any{"actions": actions}
	var resp ApplyResult
	err := c.do(ctx, "apply actions", http.MethodPost, "agents/apply_actions", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	if err := c.roundTrip(ctx, method, endpoint, body, out); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
