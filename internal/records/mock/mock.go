// Package mock provides in-memory test doubles for the records interfaces.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/sonavox/internal/records"
)

// Store is an in-memory implementation of records.ConversationStore and
// records.KnowledgeSearcher. Set the Err fields to inject failures.
type Store struct {
	mu sync.Mutex

	// BeginErr, EndErr, AppendErr, SearchErr inject errors into the
	// corresponding methods.
	BeginErr  error
	EndErr    error
	AppendErr error
	SearchErr error

	// Calls maps call ID to its record.
	Calls map[string]records.CallRecord

	// Turns holds every appended turn in order.
	Turns []records.Turn

	// Docs maps document ID to its record.
	Docs map[string]records.Document
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		Calls: map[string]records.CallRecord{},
		Docs:  map[string]records.Document{},
	}
}

// BeginCall implements records.ConversationStore.
func (s *Store) BeginCall(_ context.Context, rec records.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeginErr != nil {
		return s.BeginErr
	}
	s.Calls[rec.ID] = rec
	return nil
}

// EndCall implements records.ConversationStore.
func (s *Store) EndCall(_ context.Context, callID string, endedAt time.Time, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndErr != nil {
		return s.EndErr
	}
	rec := s.Calls[callID]
	rec.ID = callID
	rec.EndedAt = endedAt
	rec.CostUSD = costUSD
	s.Calls[callID] = rec
	return nil
}

// AppendTurn implements records.ConversationStore.
func (s *Store) AppendTurn(_ context.Context, turn records.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Turns = append(s.Turns, turn)
	return nil
}

// Transcript implements records.ConversationStore.
func (s *Store) Transcript(_ context.Context, callID string) ([]records.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []records.Turn{}
	for _, t := range s.Turns {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Upsert implements records.KnowledgeSearcher.
func (s *Store) Upsert(_ context.Context, doc records.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Docs[doc.ID] = doc
	return nil
}

// Search implements records.KnowledgeSearcher using exact cosine distance.
func (s *Store) Search(_ context.Context, embedding []float32, topK int) ([]records.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	results := []records.SearchResult{}
	for _, doc := range s.Docs {
		results = append(results, records.SearchResult{
			Document: doc,
			Distance: cosineDistance(embedding, doc.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// TurnsFor returns the recorded turns for a call. Thread-safe.
func (s *Store) TurnsFor(callID string) []records.Turn {
	out, _ := s.Transcript(context.Background(), callID)
	return out
}

// cosineDistance returns 1 - cosine similarity. Mismatched or zero-length
// vectors count as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Compile-time interface checks.
var (
	_ records.ConversationStore = (*Store)(nil)
	_ records.KnowledgeSearcher = (*Store)(nil)
)
