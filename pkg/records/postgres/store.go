package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callrelay/pkg/records"
)

// Compile-time interface checks.
var (
	_ records.Store         = (*Store)(nil)
	_ records.LeadDirectory = (*Store)(nil)
)

// ErrConversationNotFound is returned by [Store.CompleteConversation] when no
// row matches the given id.
var ErrConversationNotFound = errors.New("postgres store: conversation not found")

// Store is the PostgreSQL-backed record store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// CreateConversation implements [records.ConversationCreator]. The id is a
// random UUID generated client-side so the row can be correlated before the
// insert round-trip completes.
func (s *Store) CreateConversation(ctx context.Context, c records.Conversation) (string, error) {
	const q = `
		INSERT INTO conversations (id, lead_id, status, metadata)
		VALUES ($1, $2, $3, $4)`

	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", fmt.Errorf("postgres store: encode conversation metadata: %w", err)
	}
	status := c.Status
	if status == "" {
		status = records.StatusActive
	}

	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, c.LeadID, status, meta); err != nil {
		return "", fmt.Errorf("postgres store: create conversation: %w", err)
	}
	return id, nil
}

// CompleteConversation implements [records.Store].
func (s *Store) CompleteConversation(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE conversations
		SET    status = $2, updated_at = $3
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, records.StatusCompleted, at)
	if err != nil {
		return fmt.Errorf("postgres store: complete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// InsertTranscript implements [records.Store].
func (s *Store) InsertTranscript(ctx context.Context, t records.Transcript) error {
	const q = `
		INSERT INTO messages (conversation_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)`

	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("postgres store: encode transcript metadata: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, t.ConversationID, t.Role, t.Content, meta); err != nil {
		return fmt.Errorf("postgres store: insert transcript: %w", err)
	}
	return nil
}

// InsertArchive implements [records.Store].
func (s *Store) InsertArchive(ctx context.Context, a records.Archive) error {
	const q = `
		INSERT INTO ai_transcripts (user_id, sidekick, title, content, meta)
		VALUES ($1, $2, $3, $4, $5)`

	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("postgres store: encode archive meta: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, a.OwnerID, a.Category, a.Title, a.Content, meta); err != nil {
		return fmt.Errorf("postgres store: insert archive: %w", err)
	}
	return nil
}

// OwnerOf implements [records.LeadDirectory].
func (s *Store) OwnerOf(ctx context.Context, leadID string) (string, error) {
	const q = `SELECT COALESCE(user_id, '') FROM leads WHERE id = $1`

	var owner string
	err := s.pool.QueryRow(ctx, q, leadID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: owner of lead: %w", err)
	}
	return owner, nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
