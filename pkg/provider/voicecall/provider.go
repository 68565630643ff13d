// Package voicecall defines the Provider interface for outbound telephony
// backends that place AI-driven voice calls.
//
// A provider accepts a phone number pair, an agent identifier and free-form
// metadata, dials the callee, and later reports call progress through
// webhooks that the ingestion side of callrelay consumes. The provider echoes
// the metadata supplied here back on every webhook for the call, which is how
// callrelay correlates asynchronous events with the records it created when
// the call was placed.
//
// Implementations must be safe for concurrent use.
package voicecall

import (
	"context"
	"errors"
	"fmt"
)

// ErrProviderRequestFailed is the sentinel wrapped by every [RequestError].
var ErrProviderRequestFailed = errors.New("voicecall: provider request failed")

// RequestError is returned when the provider answers with a non-success HTTP
// status. Message carries the provider's own description when it gave one.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("voicecall: provider returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets callers match [ErrProviderRequestFailed] with errors.Is.
func (e *RequestError) Unwrap() error { return ErrProviderRequestFailed }

// CreateCallRequest describes one outbound phone call.
type CreateCallRequest struct {
	// FromNumber is the caller id in E.164 form.
	FromNumber string

	// ToNumber is the normalised destination number.
	ToNumber string

	// AgentID selects the conversational agent the provider runs on the call.
	AgentID string

	// Metadata is echoed back verbatim on every webhook for this call.
	Metadata map[string]string

	// DynamicVariables are substituted into the agent's prompt template.
	// Empty values are omitted before sending.
	DynamicVariables map[string]string
}

// CreateCallResponse is the provider's acknowledgement of a placed call.
type CreateCallResponse struct {
	// CallID is the provider-assigned identifier used on all later webhooks.
	CallID string

	// Status is the initial call status, "queued" when the provider gave none.
	Status string
}

// Provider is the abstraction over any outbound voice call backend.
type Provider interface {
	// Name returns the short provider label recorded in metadata and metrics
	// (e.g. "retell").
	Name() string

	// CreatePhoneCall asks the provider to dial req.ToNumber. A non-success
	// response is reported as a *[RequestError].
	CreatePhoneCall(ctx context.Context, req CreateCallRequest) (*CreateCallResponse, error)
}
