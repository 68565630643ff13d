// Package postgres provides a PostgreSQL-backed implementation of the
// [records.Store] and [records.LeadDirectory] interfaces.
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the tables
// the pipeline writes to when they do not exist yet; in production they are
// usually owned by the surrounding application and the statements are no-ops.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.CreateConversation(ctx, records.Conversation{LeadID: "L1"})
//	owner, _ := store.OwnerOf(ctx, "L1")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Leads are read-only from the pipeline's point of view
// ─────────────────────────────────────────────────────────────────────────────

const ddlLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversations + messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    lead_id     TEXT         NOT NULL,
    status      TEXT         NOT NULL DEFAULT 'active',
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_lead_id
    ON conversations (lead_id);

CREATE TABLE IF NOT EXISTS messages (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    metadata        JSONB        NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
    ON messages (conversation_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Owner-scoped transcript archive
// ─────────────────────────────────────────────────────────────────────────────

const ddlArchive = `
CREATE TABLE IF NOT EXISTS ai_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    sidekick    TEXT         NOT NULL,
    title       TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    meta        JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ai_transcripts_user_id
    ON ai_transcripts (user_id);

CREATE INDEX IF NOT EXISTS idx_ai_transcripts_call_id
    ON ai_transcripts ((meta->>'call_id'));
`

// Migrate creates or ensures all tables used by the store exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlLeads, ddlConversations, ddlArchive} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
