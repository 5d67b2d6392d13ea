package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/platform/openai"
)

// Adapter wraps the provider's callback-style completion stream as a
// pull-based sequence of text chunks. The bounded buffer makes
// backpressure explicit: when the consumer stops pulling, the provider
// goroutine blocks on the buffer instead of growing memory.
type Adapter struct {
	log        *logger.Logger
	provider   openai.Client
	bufferSize int
	deadline   time.Duration
	grace      time.Duration
}

func New(log *logger.Logger, provider openai.Client) *Adapter {
	return &Adapter{
		log:        log.With("service", "CompletionStream"),
		provider:   provider,
		bufferSize: envutil.Int("COMPLETION_CHUNK_BUFFER", 32),
		deadline:   envutil.DurationSeconds("COMPLETION_DEADLINE_SECONDS", 120*time.Second),
		grace:      envutil.DurationSeconds("COMPLETION_CANCEL_GRACE_SECONDS", 2*time.Second),
	}
}

// Stream is one in-flight completion. Pull chunks with Next until it
// reports done, then read the outcome from Result.
type Stream struct {
	chunks   chan string
	finished chan struct{}
	cancel   context.CancelFunc
	grace    time.Duration

	// written before finished closes, read only after.
	usage openai.Usage
	err   error
}

// Start launches the provider call. The stream owns its own deadline;
// the parent ctx still cancels it.
func (a *Adapter) Start(ctx context.Context, messages []openai.ChatMessage) *Stream {
	streamCtx, cancel := context.WithTimeout(ctx, a.deadline)
	s := &Stream{
		chunks:   make(chan string, a.bufferSize),
		finished: make(chan struct{}),
		cancel:   cancel,
		grace:    a.grace,
	}

	go func() {
		defer cancel()
		usage, err := a.provider.StreamChat(streamCtx, messages, func(delta string) {
			select {
			case s.chunks <- delta:
			case <-streamCtx.Done():
			}
		})
		s.usage = usage
		s.err = a.classify(streamCtx, err)
		close(s.finished)
		close(s.chunks)
	}()
	return s
}

// classify maps provider outcomes onto the turn-level taxonomy.
// Consumer-driven cancellation stays context.Canceled so the caller can
// release rather than fail; everything else is a provider failure.
func (a *Adapter) classify(streamCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(streamCtx.Err(), context.Canceled) {
		return context.Canceled
	}
	return fmt.Errorf("%w: %v", pkgerrors.ErrProviderFailure, err)
}

// Next returns the next chunk. ok=false means the stream ended or ctx
// was cancelled; the caller distinguishes via ctx.Err() and Result.
func (s *Stream) Next(ctx context.Context) (string, bool) {
	select {
	case text, ok := <-s.chunks:
		return text, ok
	case <-ctx.Done():
		return "", false
	}
}

// Cancel propagates cancellation upstream and waits up to the grace
// period for the provider call to unwind. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancel()
	select {
	case <-s.finished:
	case <-time.After(s.grace):
	}
}

// Result blocks until the provider call has returned, then reports the
// final usage and error. Usage may be partial or zero on interruption.
func (s *Stream) Result() (openai.Usage, error) {
	<-s.finished
	return s.usage, s.err
}
