package retriever

import (
	"context"
	"time"

	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/platform/openai"
	"github.com/vehicledx/backend/internal/platform/vector"
)

const (
	defaultK = 6
	maxK     = 20
)

// Retriever resolves a user query to knowledge chunks by embedding the
// query and running a similarity search, optionally scoped to the vehicle
// in context. It is stateless per call and safe for concurrent use.
//
// Retrieval is a best-effort side input: any provider or store failure
// degrades to an empty result so the turn proceeds with reduced context
// instead of blocking the conversation.
type Retriever struct {
	log       *logger.Logger
	provider  openai.Client
	store     vector.Store
	namespace string
	timeout   time.Duration
}

func New(log *logger.Logger, provider openai.Client, store vector.Store) *Retriever {
	return &Retriever{
		log:       log.With("service", "KnowledgeRetriever"),
		provider:  provider,
		store:     store,
		namespace: envutil.String("KNOWLEDGE_NAMESPACE", "vehicle_knowledge"),
		timeout:   envutil.DurationSeconds("RETRIEVER_TIMEOUT_SECONDS", 5*time.Second),
	}
}

// Retrieve returns at most k chunks ordered by descending similarity.
// Results are never cached across turns; the corpus may change between
// queries.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, vc domain.VehicleContext, k int) []domain.KnowledgeChunk {
	if queryText == "" {
		return nil
	}
	if k <= 0 {
		k = defaultK
	}
	if k > maxK {
		k = maxK
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vectors, err := r.provider.Embed(ctx, []string{queryText})
	if err != nil || len(vectors) == 0 {
		r.log.Warn("knowledge retrieval degraded at embed", "error", err)
		return nil
	}

	matches, err := r.store.QueryMatches(ctx, r.namespace, vectors[0], k, buildFilter(vc))
	if err != nil {
		r.log.Warn("knowledge retrieval degraded at search", "error", err)
		return nil
	}

	chunks := make([]domain.KnowledgeChunk, 0, len(matches))
	for _, m := range matches {
		chunks = append(chunks, domain.KnowledgeChunk{
			ID:             m.ID,
			SourceText:     payloadString(m.Payload, "source_text"),
			Similarity:     m.Score,
			Make:           payloadString(m.Payload, "make"),
			Model:          payloadString(m.Payload, "model"),
			DiagnosticCode: payloadString(m.Payload, "diagnostic_code"),
		})
	}
	return chunks
}

// buildFilter scopes the search to the vehicle in context. Diagnostic
// codes match any of the reported codes.
func buildFilter(vc domain.VehicleContext) map[string]any {
	if vc.Empty() {
		return nil
	}
	filter := make(map[string]any)
	if vc.Make != "" {
		filter["make"] = vc.Make
	}
	if vc.Model != "" {
		filter["model"] = vc.Model
	}
	if len(vc.DiagnosticCodes) > 0 {
		filter["diagnostic_code"] = map[string]any{"$in": toAnySlice(vc.DiagnosticCodes)}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}
