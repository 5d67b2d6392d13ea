package vector

import (
	"context"
	"errors"
)

// Store is the similarity-search boundary. The knowledge corpus is owned
// and versioned by an external collaborator; the orchestrator only queries it.
type Store interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	// QueryMatches returns ids with similarity scores, higher is better,
	// ordered descending, at most topK.
	QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]Match, error)
	DeleteIDs(ctx context.Context, namespace string, ids []string) error
}

type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Unavailable stands in when no vector store is configured. Every call
// errors, which the retriever degrades to an empty result.
type Unavailable struct{}

func (Unavailable) Upsert(context.Context, string, []Vector) error {
	return errors.New("vector store not configured")
}

func (Unavailable) QueryMatches(context.Context, string, []float32, int, map[string]any) ([]Match, error) {
	return nil, errors.New("vector store not configured")
}

func (Unavailable) DeleteIDs(context.Context, string, []string) error {
	return errors.New("vector store not configured")
}
