// Package intent implements the Query Classifier. A model-backed classifier
// is tried first; failures and low-confidence answers fall back to a
// deterministic keyword heuristic so classification never blocks a request.
package intent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/access"
)

// Model is an external text-classification capability.
type Model interface {
	ClassifyIntents(ctx context.Context, query string, tail []string) (labels []string, confidence float64, err error)
}

// Source records which path produced a classification.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Result is the classifier output. Unavailable is set when the model path
// failed and the fallback was used.
type Result struct {
	Intents     access.IntentSet `json:"intents"`
	Confidence  float64          `json:"confidence"`
	Source      Source           `json:"source"`
	Unavailable bool             `json:"unavailable,omitempty"`
}

type Config struct {
	MinConfidence float64
	Timeout       time.Duration
	TailTurns     int
}

type Classifier struct {
	model  Model
	cfg    Config
	logger zerolog.Logger
}

// NewClassifier returns a classifier. A nil model means heuristic only.
func NewClassifier(model Model, cfg Config, logger zerolog.Logger) *Classifier {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TailTurns <= 0 {
		cfg.TailTurns = 3
	}
	return &Classifier{
		model:  model,
		cfg:    cfg,
		logger: logger.With().Str("component", "intent-classifier").Logger(),
	}
}

// Classify never fails. The model call is attempted at most twice.
func (c *Classifier) Classify(ctx context.Context, query string, history []string) Result {
	if c.model == nil {
		return c.fallback(query, false)
	}
	tail := history
	if len(tail) > c.cfg.TailTurns {
		tail = tail[len(tail)-c.cfg.TailTurns:]
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			break
		}
		labels, conf, err := c.call(ctx, query, tail)
		if err != nil {
			lastErr = err
			continue
		}
		set, ok := parseLabels(labels)
		if !ok {
			lastErr = errUnparseable
			continue
		}
		if conf < c.cfg.MinConfidence {
			c.logger.Debug().Float64("confidence", conf).Msg("low confidence, using heuristic")
			return c.fallback(query, false)
		}
		return Result{Intents: set, Confidence: conf, Source: SourceModel}
	}
	c.logger.Warn().Err(lastErr).Msg("classifier unavailable, using heuristic")
	return c.fallback(query, true)
}

func (c *Classifier) call(ctx context.Context, query string, tail []string) ([]string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.model.ClassifyIntents(ctx, query, tail)
}

func (c *Classifier) fallback(query string, unavailable bool) Result {
	return Result{Intents: Heuristic(query), Source: SourceFallback, Unavailable: unavailable}
}

type classifyError string

func (e classifyError) Error() string { return string(e) }

const errUnparseable = classifyError("classifier returned no known labels")

func parseLabels(labels []string) (access.IntentSet, bool) {
	var out []access.Intent
	for _, l := range labels {
		if i, err := access.ParseIntent(l); err == nil {
			out = append(out, i)
		}
	}
	set, err := access.NewIntentSet(out...)
	return set, err == nil
}
