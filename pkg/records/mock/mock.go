// Package mock provides in-memory test doubles for the records interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.InsertArchiveErr = errors.New("boom")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("InsertTranscript"); got != 1 {
//	    t.Errorf("expected 1 InsertTranscript call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/records"
)

var (
	_ records.Store         = (*Store)(nil)
	_ records.LeadDirectory = (*LeadDirectory)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// calls is the shared call log embedded by every mock.
type calls struct {
	mu  sync.Mutex
	log []Call
}

func (c *calls) record(method string, args ...any) {
	c.log = append(c.log, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (c *calls) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.log))
	copy(out, c.log)
	return out
}

// CallCount returns how many times the named method was invoked.
func (c *calls) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.log {
		if call.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (c *calls) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store is a configurable test double for [records.Store].
// All exported *Err fields default to nil (success).
type Store struct {
	calls

	// ConversationID is returned by CreateConversation. When empty, ids of
	// the form "conv-N" are generated.
	ConversationID string

	// CreateConversationErr is returned by CreateConversation when non-nil.
	CreateConversationErr error

	// CompleteConversationErr is returned by CompleteConversation when non-nil.
	CompleteConversationErr error

	// InsertTranscriptErr is returned by InsertTranscript when non-nil.
	InsertTranscriptErr error

	// InsertArchiveErr is returned by InsertArchive when non-nil.
	InsertArchiveErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// Transcripts, Archives and Completed hold successful writes.
	Transcripts []records.Transcript
	Archives    []records.Archive
	Completed   []string

	created int
}

// CreateConversation implements [records.ConversationCreator].
func (m *Store) CreateConversation(_ context.Context, c records.Conversation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateConversation", c)
	if m.CreateConversationErr != nil {
		return "", m.CreateConversationErr
	}
	m.created++
	if m.ConversationID != "" {
		return m.ConversationID, nil
	}
	return fmt.Sprintf("conv-%d", m.created), nil
}

// CompleteConversation implements [records.Store].
func (m *Store) CompleteConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CompleteConversation", id, at)
	if m.CompleteConversationErr != nil {
		return m.CompleteConversationErr
	}
	m.Completed = append(m.Completed, id)
	return nil
}

// InsertTranscript implements [records.Store].
func (m *Store) InsertTranscript(_ context.Context, t records.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertTranscript", t)
	if m.InsertTranscriptErr != nil {
		return m.InsertTranscriptErr
	}
	m.Transcripts = append(m.Transcripts, t)
	return nil
}

// InsertArchive implements [records.Store].
func (m *Store) InsertArchive(_ context.Context, a records.Archive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertArchive", a)
	if m.InsertArchiveErr != nil {
		return m.InsertArchiveErr
	}
	m.Archives = append(m.Archives, a)
	return nil
}

// Ping reports PingErr. It lets the double stand in for a readiness check.
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Snapshot returns copies of the successful writes.
func (m *Store) Snapshot() (transcripts []records.Transcript, archives []records.Archive, completed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transcripts = append([]records.Transcript(nil), m.Transcripts...)
	archives = append([]records.Archive(nil), m.Archives...)
	completed = append([]string(nil), m.Completed...)
	return transcripts, archives, completed
}

// ─────────────────────────────────────────────────────────────────────────────
// LeadDirectory
// ─────────────────────────────────────────────────────────────────────────────

// LeadDirectory is a configurable test double for [records.LeadDirectory].
type LeadDirectory struct {
	calls

	// Owners maps lead ids to owner ids. Unknown leads resolve to "".
	Owners map[string]string

	// OwnerOfErr is returned by OwnerOf when non-nil.
	OwnerOfErr error
}

// OwnerOf implements [records.LeadDirectory].
func (m *LeadDirectory) OwnerOf(_ context.Context, leadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("OwnerOf", leadID)
	if m.OwnerOfErr != nil {
		return "", m.OwnerOfErr
	}
	return m.Owners[leadID], nil
}
