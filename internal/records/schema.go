package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id            TEXT         PRIMARY KEY,
    assistant     TEXT         NOT NULL DEFAULT '',
    caller_number TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at      TIMESTAMPTZ,
    cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);

CREATE TABLE IF NOT EXISTS turns (
    id       BIGSERIAL    PRIMARY KEY,
    call_id  TEXT         NOT NULL,
    role     TEXT         NOT NULL,
    text     TEXT         NOT NULL,
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_call_id
    ON turns (call_id);

CREATE INDEX IF NOT EXISTS idx_turns_call_at
    ON turns (call_id, at);
`

// ddlKnowledge returns the knowledge-base DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlKnowledge(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_docs (
    id        TEXT  PRIMARY KEY,
    title     TEXT  NOT NULL DEFAULT '',
    content   TEXT  NOT NULL,
    embedding vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_docs_embedding
    ON knowledge_docs USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embeddings model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCalls,
		ddlKnowledge(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("records migrate: %w", err)
		}
	}
	return nil
}
