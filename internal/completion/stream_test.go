package completion

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/platform/openai"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// scriptedProvider pushes a fixed chunk script, honoring cancellation
// between chunks the way the HTTP client would.
type scriptedProvider struct {
	chunks []string
	usage  openai.Usage
	err    error
	pushed atomic.Int32
}

func (p *scriptedProvider) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) StreamChat(ctx context.Context, _ []openai.ChatMessage, onDelta func(string)) (openai.Usage, error) {
	for _, c := range p.chunks {
		select {
		case <-ctx.Done():
			return openai.Usage{}, ctx.Err()
		default:
		}
		onDelta(c)
		p.pushed.Add(1)
	}
	return p.usage, p.err
}

func drain(t *testing.T, s *Stream) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []string
	for {
		text, ok := s.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, text)
	}
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	provider := &scriptedProvider{
		chunks: []string{"Check ", "the ", "ignition ", "coils."},
		usage:  openai.Usage{PromptTokens: 40, CompletionTokens: 9, TotalTokens: 49},
	}
	a := New(testLogger(t), provider)

	s := a.Start(context.Background(), []openai.ChatMessage{{Role: "user", Content: "misfire"}})
	got := drain(t, s)

	if want := "Check the ignition coils."; strings.Join(got, "") != want {
		t.Fatalf("content: want=%q got=%q", want, strings.Join(got, ""))
	}
	usage, err := s.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if usage.CompletionTokens != 9 {
		t.Fatalf("completion tokens: want=9 got=%d", usage.CompletionTokens)
	}
}

func TestStreamBackpressureSuspendsProvider(t *testing.T) {
	t.Setenv("COMPLETION_CHUNK_BUFFER", "2")
	provider := &scriptedProvider{chunks: make([]string, 10)}
	for i := range provider.chunks {
		provider.chunks[i] = "x"
	}
	a := New(testLogger(t), provider)

	s := a.Start(context.Background(), nil)
	// No consumer pulling: the provider must stall at the buffer bound,
	// not race through all ten chunks.
	time.Sleep(200 * time.Millisecond)
	if pushed := provider.pushed.Load(); pushed > 3 {
		t.Fatalf("provider pushed %d chunks with no consumer, want <= 3", pushed)
	}

	got := drain(t, s)
	if len(got) != 10 {
		t.Fatalf("chunks after drain: want=10 got=%d", len(got))
	}
}

func TestStreamCancelReleasesProvider(t *testing.T) {
	t.Setenv("COMPLETION_CHUNK_BUFFER", "1")
	provider := &scriptedProvider{chunks: []string{"a", "b", "c", "d", "e"}}
	a := New(testLogger(t), provider)

	ctx := context.Background()
	s := a.Start(ctx, nil)

	var delivered []string
	for i := 0; i < 2; i++ {
		text, ok := s.Next(ctx)
		if !ok {
			t.Fatalf("stream ended early at chunk %d", i)
		}
		delivered = append(delivered, text)
	}
	s.Cancel()

	if len(delivered) != 2 {
		t.Fatalf("delivered: want=2 got=%d", len(delivered))
	}
	_, err := s.Result()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestStreamProviderErrorClassified(t *testing.T) {
	provider := &scriptedProvider{
		chunks: []string{"partial "},
		err:    errors.New("upstream 502"),
	}
	a := New(testLogger(t), provider)

	s := a.Start(context.Background(), nil)
	drain(t, s)

	_, err := s.Result()
	if !errors.Is(err, pkgerrors.ErrProviderFailure) {
		t.Fatalf("want ErrProviderFailure, got %v", err)
	}
}
