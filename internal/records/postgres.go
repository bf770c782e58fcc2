package records

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Compile-time interface checks.
var (
	_ ConversationStore = (*Store)(nil)
	_ KnowledgeSearcher = (*Store)(nil)
)

// Store is the PostgreSQL-backed implementation of ConversationStore and
// KnowledgeSearcher. All operations share a single [pgxpool.Pool] and are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the embeddings
// provider used to produce [Document.Embedding] values. Changing it after
// the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("records: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("records: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("records: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("records: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BeginCall implements ConversationStore.
func (s *Store) BeginCall(ctx context.Context, rec CallRecord) error {
	const q = `
		INSERT INTO calls (id, assistant, caller_number, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, rec.ID, rec.Assistant, rec.CallerNumber, startedAt)
	if err != nil {
		return fmt.Errorf("records: begin call: %w", err)
	}
	return nil
}

// EndCall implements ConversationStore.
func (s *Store) EndCall(ctx context.Context, callID string, endedAt time.Time, costUSD float64) error {
	const q = `
		UPDATE calls
		SET    ended_at = $2, cost_usd = $3
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, endedAt, costUSD)
	if err != nil {
		return fmt.Errorf("records: end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("records: end call: unknown call %q", callID)
	}
	return nil
}

// AppendTurn implements ConversationStore.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	const q = `
		INSERT INTO turns (call_id, role, text, at)
		VALUES ($1, $2, $3, $4)`

	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, turn.CallID, turn.Role, turn.Text, at)
	if err != nil {
		return fmt.Errorf("records: append turn: %w", err)
	}
	return nil
}

// Transcript implements ConversationStore.
func (s *Store) Transcript(ctx context.Context, callID string) ([]Turn, error) {
	const q = `
		SELECT call_id, role, text, at
		FROM   turns
		WHERE  call_id = $1
		ORDER  BY at, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("records: transcript: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		if err := row.Scan(&t.CallID, &t.Role, &t.Text, &t.At); err != nil {
			return Turn{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("records: scan turns: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Upsert implements KnowledgeSearcher.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	const q = `
		INSERT INTO knowledge_docs (id, title, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    title     = EXCLUDED.title,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	vec := pgvector.NewVector(doc.Embedding)
	_, err := s.pool.Exec(ctx, q, doc.ID, doc.Title, doc.Content, vec)
	if err != nil {
		return fmt.Errorf("records: upsert document: %w", err)
	}
	return nil
}

// Search implements KnowledgeSearcher. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int) ([]SearchResult, error) {
	const q = `
		SELECT id, title, content, embedding, embedding <=> $1 AS distance
		FROM   knowledge_docs
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("records: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var (
			sr  SearchResult
			vec pgvector.Vector
		)
		if err := row.Scan(&sr.ID, &sr.Title, &sr.Content, &vec, &sr.Distance); err != nil {
			return SearchResult{}, err
		}
		sr.Embedding = vec.Slice()
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("records: scan documents: %w", err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}
