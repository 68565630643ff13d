// Package outbound places AI-driven phone calls through the voice provider.
//
// [Initiator.Initiate] validates the destination and configuration, creates
// a conversation row for known leads, sends the provider a compact metadata
// object that the provider echoes back on every webhook, and seeds the call
// state under the provider's call id so the webhook ingestor can correlate
// events even when their own metadata is sparse.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callrelay/internal/callstate"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/callctx"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
	"github.com/MrWong99/callrelay/pkg/records"
)

// Initiation failures surfaced to the caller.
var (
	ErrInvalidDestination        = errors.New("outbound: invalid destination phone number")
	ErrMissingAgentConfiguration = errors.New("outbound: no voice agent id configured or supplied")
	ErrMissingCredential         = errors.New("outbound: voice provider API key not configured")
	ErrMissingCallerNumber       = errors.New("outbound: caller phone number not configured")
)

// maxScriptMetadata is the number of characters of the prompt copied into
// call metadata. The full prompt travels as a dynamic variable.
const maxScriptMetadata = 1200

// defaultSource labels calls whose caller did not say where they came from.
const defaultSource = "voice_api"

// Params describes one outbound call request.
type Params struct {
	// To is the destination phone number in any human format.
	To string

	// Prompt is an optional call script for the agent.
	Prompt string

	LeadID       string
	UserID       string
	AssistantKey string
	BotType      string
	Source       string

	// Lead details exposed to the agent. The first non-empty of LeadName,
	// Name, FullName is used, likewise LeadPhone, Phone, then the normalized
	// destination.
	LeadName  string
	Name      string
	FullName  string
	LeadPhone string
	Phone     string
	Email     string

	// Agent overrides in priority order, ahead of the configured default.
	RetellAgentID string
	ConfigID      string
	HumeConfigID  string
}

// Result is returned for a successfully placed call.
type Result struct {
	Success  bool   `json:"success"`
	CallID   string `json:"callId,omitempty"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// Config holds the deployment-wide call settings.
type Config struct {
	// DefaultAgentID is used when the request names no agent.
	DefaultAgentID string

	// FromNumber is the caller id presented to the callee.
	FromNumber string
}

// Initiator places outbound calls. It is safe for concurrent use.
type Initiator struct {
	provider      voicecall.Provider
	conversations records.ConversationCreator
	state         callstate.Store
	cfg           Config
}

// NewInitiator creates an Initiator. A nil provider makes every call fail
// with [ErrMissingCredential]; a nil conversations creator skips conversation
// rows.
func NewInitiator(provider voicecall.Provider, conversations records.ConversationCreator, state callstate.Store, cfg Config) *Initiator {
	return &Initiator{
		provider:      provider,
		conversations: conversations,
		state:         state,
		cfg:           cfg,
	}
}

// Initiate places the call described by p.
func (i *Initiator) Initiate(ctx context.Context, p Params) (*Result, error) {
	if i.provider == nil {
		return nil, ErrMissingCredential
	}
	to := NormalizePhone(p.To)
	if to == "" {
		return nil, ErrInvalidDestination
	}
	from := NormalizePhone(i.cfg.FromNumber)
	if from == "" {
		return nil, ErrMissingCallerNumber
	}
	agentID := callctx.FirstNonEmpty(p.RetellAgentID, p.ConfigID, p.HumeConfigID, i.cfg.DefaultAgentID)
	if agentID == "" {
		return nil, ErrMissingAgentConfiguration
	}

	ctx, span := observe.StartSpan(ctx, "outbound.initiate",
		trace.WithAttributes(
			attribute.String("provider", i.provider.Name()),
			attribute.String("lead_id", p.LeadID),
		),
	)
	defer span.End()
	log := observe.Logger(ctx)

	conversationID := i.createConversation(ctx, p)
	metadata := i.callMetadata(p, conversationID)

	res, err := i.provider.CreatePhoneCall(ctx, voicecall.CreateCallRequest{
		FromNumber:       from,
		ToNumber:         to,
		AgentID:          agentID,
		Metadata:         metadata,
		DynamicVariables: DynamicVariables(p, to),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("outbound: create call: %w", err)
	}

	if res.CallID != "" && i.state != nil {
		if _, err := i.state.Merge(ctx, res.CallID, callctx.FromFields(metadata)); err != nil {
			log.Warn("failed to seed call context", "call_id", res.CallID, "err", err)
		}
	}
	log.Info("outbound call placed",
		"call_id", res.CallID,
		"status", res.Status,
		"lead_id", p.LeadID,
		"conversation_id", conversationID,
	)

	return &Result{
		Success:  true,
		CallID:   res.CallID,
		Status:   res.Status,
		Provider: i.provider.Name(),
	}, nil
}

// createConversation inserts a conversation row for a known lead. Failure is
// logged and the call proceeds without conversation correlation.
func (i *Initiator) createConversation(ctx context.Context, p Params) string {
	if p.LeadID == "" || i.conversations == nil {
		return ""
	}
	id, err := i.conversations.CreateConversation(ctx, records.Conversation{
		LeadID: p.LeadID,
		Status: records.StatusActive,
		Metadata: records.ConversationMetadata{
			Type:         records.CategoryVoiceCall,
			Provider:     i.provider.Name(),
			Direction:    "outbound",
			AssistantKey: callctx.FirstNonEmpty(p.AssistantKey, p.BotType),
		},
	})
	if err != nil {
		observe.Logger(ctx).Warn("failed to create conversation row", "lead_id", p.LeadID, "err", err)
		return ""
	}
	return id
}

// callMetadata builds the metadata echoed back by the provider on every
// webhook. Empty values are dropped.
func (i *Initiator) callMetadata(p Params, conversationID string) map[string]string {
	m := map[string]string{
		"provider":        i.provider.Name(),
		"assistant_key":   callctx.FirstNonEmpty(p.AssistantKey, p.BotType),
		"bot_type":        callctx.FirstNonEmpty(p.BotType, p.AssistantKey),
		"source":          callctx.FirstNonEmpty(p.Source, defaultSource),
		"user_id":         p.UserID,
		"lead_id":         p.LeadID,
		"conversation_id": conversationID,
		"call_script":     truncate(p.Prompt, maxScriptMetadata),
	}
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

// DynamicVariables returns the prompt template variables for p, omitting
// empty ones. to is the normalized destination.
func DynamicVariables(p Params, to string) map[string]string {
	vars := make(map[string]string, 4)
	if v := callctx.FirstNonEmpty(p.LeadName, p.Name, p.FullName); v != "" {
		vars["lead_name"] = v
	}
	if v := callctx.FirstNonEmpty(p.LeadPhone, p.Phone, to); v != "" {
		vars["lead_phone"] = v
	}
	if p.Email != "" {
		vars["lead_email"] = p.Email
	}
	if script := strings.TrimSpace(p.Prompt); script != "" {
		vars["call_script"] = script
	}
	return vars
}

// NormalizePhone strips every character except '+' and digits.
func NormalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '+' || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
