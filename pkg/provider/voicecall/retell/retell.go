// Package retell implements voicecall.Provider against the Retell AI REST API.
//
// Only call creation is used: POST {base}/v2/create-phone-call with a bearer
// API key. Call progress arrives separately through Retell's webhooks.
//
// Example:
//
//	p, err := retell.New(apiKey, retell.WithTimeout(15*time.Second))
//	res, err := p.CreatePhoneCall(ctx, voicecall.CreateCallRequest{...})
package retell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
)

// DefaultBaseURL is the public Retell API endpoint.
const DefaultBaseURL = "https://api.retellai.com"

// Name is the provider label recorded in metadata and metrics.
const Name = "retell"

// maxErrorBody caps how much of a failed response is read into an error.
const maxErrorBody = 64 << 10

var _ voicecall.Provider = (*Provider)(nil)

// Provider is a Retell API client. It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Trailing slashes are trimmed and an
// empty value keeps [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u = strings.TrimRight(u, "/"); u != "" {
			p.baseURL = u
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// New constructs a Retell provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("retell: api key must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements voicecall.Provider.
func (p *Provider) Name() string { return Name }

type createCallRequest struct {
	FromNumber       string            `json:"from_number"`
	ToNumber         string            `json:"to_number"`
	OverrideAgentID  string            `json:"override_agent_id"`
	Metadata         map[string]string `json:"metadata"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

// createCallResponse covers both the documented snake_case fields and the
// camelCase variants some API versions return.
type createCallResponse struct {
	CallID      string `json:"call_id"`
	CallIDCamel string `json:"callId"`
	CallStatus  string `json:"call_status"`
	Status      string `json:"status"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CreatePhoneCall implements voicecall.Provider.
func (p *Provider) CreatePhoneCall(ctx context.Context, req voicecall.CreateCallRequest) (*voicecall.CreateCallResponse, error) {
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	body, err := json.Marshal(createCallRequest{
		FromNumber:       req.FromNumber,
		ToNumber:         req.ToNumber,
		OverrideAgentID:  req.AgentID,
		Metadata:         metadata,
		DynamicVariables: compact(req.DynamicVariables),
	})
	if err != nil {
		return nil, fmt.Errorf("retell: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/create-phone-call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retell: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retell: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &voicecall.RequestError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}

	var out createCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("retell: decode response: %w", err)
	}
	status := out.CallStatus
	if status == "" {
		status = out.Status
	}
	if status == "" {
		status = "queued"
	}
	callID := out.CallID
	if callID == "" {
		callID = out.CallIDCamel
	}
	return &voicecall.CreateCallResponse{CallID: callID, Status: status}, nil
}

// errorMessage prefers the provider's message field, then its error field,
// then the raw body, then a generic description.
func errorMessage(status int, raw []byte) string {
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return fmt.Sprintf("Retell API request failed (%d)", status)
}

func compact(m map[string]string) map[string]string {
	var out map[string]string
	for k, v := range m {
		if v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(m))
		}
		out[k] = v
	}
	return out
}
