// Package mock provides a test double for the voicecall.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Response: &voicecall.CreateCallResponse{CallID: "call_1", Status: "registered"}}
//	res, _ := p.CreatePhoneCall(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
)

var _ voicecall.Provider = (*Provider)(nil)

// Provider is a mock implementation of voicecall.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Response is returned by CreatePhoneCall when Err is nil. When nil a
	// response with CallID "mock-call" and status "queued" is returned.
	Response *voicecall.CreateCallResponse

	// Err, if non-nil, is returned from CreatePhoneCall.
	Err error

	requests []voicecall.CreateCallRequest
}

// Name implements voicecall.Provider.
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// CreatePhoneCall implements voicecall.Provider and records req.
func (p *Provider) CreatePhoneCall(_ context.Context, req voicecall.CreateCallRequest) (*voicecall.CreateCallResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Response != nil {
		res := *p.Response
		return &res, nil
	}
	return &voicecall.CreateCallResponse{CallID: "mock-call", Status: "queued"}, nil
}

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []voicecall.CreateCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]voicecall.CreateCallRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns how many times CreatePhoneCall was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
