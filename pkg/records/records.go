// Package records defines the durable destinations written by the call
// pipeline and the read-only lead directory it consults.
//
// The pipeline owns none of these tables' lifecycles. It creates a
// conversation row when an outbound call is placed for a known lead, appends a
// transcript message and an archive entry once per finished call, and flips the
// conversation to completed. Every write is independent: a failure in one must
// not prevent the others, so the interfaces expose one method per write rather
// than a transactional unit.
package records

import (
	"context"
	"time"
)

// Conversation status values written by the pipeline.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// CategoryVoiceCall tags archive entries produced from phone calls.
const CategoryVoiceCall = "voice_call"

// RoleAssistant is the speaker role recorded for call transcripts.
const RoleAssistant = "assistant"

// Conversation is the row created when an outbound call is initiated.
type Conversation struct {
	LeadID   string
	Status   string
	Metadata ConversationMetadata
}

// ConversationMetadata is stored alongside a [Conversation].
type ConversationMetadata struct {
	Type         string `json:"type"`
	Provider     string `json:"provider"`
	Direction    string `json:"direction"`
	AssistantKey string `json:"assistant_key,omitempty"`
}

// Transcript is a conversation message holding a full call transcript.
type Transcript struct {
	ConversationID string
	Role           string
	Content        string
	Metadata       TranscriptMetadata
}

// TranscriptMetadata records where a [Transcript] came from.
type TranscriptMetadata struct {
	Provider   string    `json:"provider"`
	CallID     string    `json:"call_id"`
	EventType  string    `json:"event_type"`
	CapturedAt time.Time `json:"captured_at"`
}

// Archive is an owner-scoped copy of a call transcript, independent of any
// conversation.
type Archive struct {
	OwnerID  string
	Category string
	Title    string
	Content  string
	Meta     ArchiveMeta
}

// ArchiveMeta is stored alongside an [Archive].
type ArchiveMeta struct {
	Provider     string `json:"provider"`
	CallID       string `json:"call_id"`
	EventType    string `json:"event_type"`
	LeadID       string `json:"lead_id,omitempty"`
	AssistantKey string `json:"assistant_key,omitempty"`
}

// ConversationCreator creates conversation rows. Split out so the outbound
// initiator can depend on the one method it needs.
type ConversationCreator interface {
	// CreateConversation inserts c and returns the new conversation id.
	CreateConversation(ctx context.Context, c Conversation) (string, error)
}

// Store is the set of writes performed by the pipeline.
// Implementations must be safe for concurrent use.
type Store interface {
	ConversationCreator

	// CompleteConversation advances conversation id to [StatusCompleted] and
	// sets its updated timestamp to at.
	CompleteConversation(ctx context.Context, id string, at time.Time) error

	// InsertTranscript appends t as a conversation message.
	InsertTranscript(ctx context.Context, t Transcript) error

	// InsertArchive appends a to the owner's transcript archive.
	InsertArchive(ctx context.Context, a Archive) error
}

// LeadDirectory resolves the account that owns a lead.
type LeadDirectory interface {
	// OwnerOf returns the owning account id for leadID, or "" with a nil
	// error when the lead is unknown.
	OwnerOf(ctx context.Context, leadID string) (string, error)
}
