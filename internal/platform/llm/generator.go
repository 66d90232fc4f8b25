package llm

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/prompt"
	"github.com/rs/zerolog"
)

// Completer produces text for a message list.
type Completer interface {
	Complete(ctx context.Context, msgs []prompt.Message) (string, error)
}

const DefaultGenerationTimeout = 30 * time.Second

// Generator is the Generation Invoker. It runs under one overall deadline
// and retries once without conversation history.
type Generator struct {
	backend Completer
	timeout time.Duration
	logger  zerolog.Logger
}

func NewGenerator(backend Completer, timeout time.Duration, logger zerolog.Logger) *Generator {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Generator{
		backend: backend,
		timeout: timeout,
		logger:  logger.With().Str("component", "generator").Logger(),
	}
}

// Generate returns generated text or an error of kind generation_timeout,
// generation_error or cancelled. It never returns partial text.
func (g *Generator) Generate(ctx context.Context, gc prompt.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	attempts := []prompt.Context{gc}
	if len(gc.History) > 0 {
		attempts = append(attempts, gc.WithoutHistory())
	} else {
		attempts = append(attempts, gc)
	}

	var lastErr error
	for i, attempt := range attempts {
		text, err := g.backend.Complete(ctx, attempt.Messages())
		if err == nil && text != "" {
			return text, nil
		}
		if err == nil {
			err = errEmptyCompletion
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.logger.Warn().Err(err).Int("attempt", i+1).Msg("generation attempt failed")
	}
	return "", g.classify(ctx, lastErr)
}

func (g *Generator) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return access.Wrap(access.KindCancelled, err, "generation cancelled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return access.Wrap(access.KindGenerationTimeout, err, "generation timed out")
	}
	return access.Wrap(access.KindGenerationError, err, "generation failed")
}
