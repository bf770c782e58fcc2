// Package records persists call history and serves knowledge-base retrieval.
//
// Two concerns live here. ConversationStore keeps an audit trail of every
// call: one row per call with its final cost, and one row per spoken turn.
// KnowledgeSearcher answers "what do we know about X" queries by cosine
// similarity over pre-embedded documents, so the session layer can ground
// the assistant's replies in operator-supplied content.
//
// The postgres implementation backs both on a single connection pool; the
// mock subpackage provides in-memory doubles for tests.
package records

import (
	"context"
	"time"
)

// CallRecord is the per-call row written when a call starts and finalized
// when it ends.
type CallRecord struct {
	// ID is the transport-assigned call identifier (e.g. a Twilio call SID).
	ID string
	// Assistant is the assistant profile that served the call.
	Assistant string
	// CallerNumber is the caller's E.164 number, if the transport supplied one.
	CallerNumber string
	// StartedAt is when the media stream opened.
	StartedAt time.Time
	// EndedAt is when the call terminated. Zero while the call is live.
	EndedAt time.Time
	// CostUSD is the estimated total provider cost, written at call end.
	CostUSD float64
}

// Turn is a single spoken exchange within a call.
type Turn struct {
	// CallID is the owning call's ID.
	CallID string
	// Role is "caller" or "assistant".
	Role string
	// Text is the transcript (caller) or reply text (assistant).
	Text string
	// At is when the turn completed.
	At time.Time
}

// Document is an operator-supplied knowledge-base entry with its embedding.
type Document struct {
	// ID uniquely identifies the document.
	ID string
	// Title is a short human-readable label.
	Title string
	// Content is the text served to the language model when the document matches.
	Content string
	// Embedding is the document's vector, produced by the configured
	// embeddings provider. Its length must match the store's dimension.
	Embedding []float32
}

// SearchResult is a Document with its cosine distance to the query vector.
// Smaller distance means more similar.
type SearchResult struct {
	Document
	Distance float64
}

// ConversationStore persists calls and their turns.
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// BeginCall inserts the call row. EndedAt and CostUSD are ignored.
	BeginCall(ctx context.Context, rec CallRecord) error

	// EndCall stamps the call's end time and final cost.
	EndCall(ctx context.Context, callID string, endedAt time.Time, costUSD float64) error

	// AppendTurn appends one turn to the call's transcript.
	AppendTurn(ctx context.Context, turn Turn) error

	// Transcript returns all turns of a call in chronological order.
	Transcript(ctx context.Context, callID string) ([]Turn, error)
}

// KnowledgeSearcher retrieves the documents most similar to a query vector.
// Implementations must be safe for concurrent use.
type KnowledgeSearcher interface {
	// Upsert inserts or replaces a document.
	Upsert(ctx context.Context, doc Document) error

	// Search returns up to topK documents ordered by ascending cosine
	// distance to the query embedding.
	Search(ctx context.Context, embedding []float32, topK int) ([]SearchResult, error)
}
