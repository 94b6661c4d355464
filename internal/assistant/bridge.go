// Package assistant turns a text-generation service into a function that
// always yields something fit to show the user.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"taskflow-agent/internal/integrations/gemini"
)

// Canned replies persisted in place of a generated answer.
const (
	FallbackEmpty       = "I couldn't generate a response. Please try again."
	FallbackUnavailable = "I'm having trouble connecting. Please check your connection and try again."
	FallbackError       = "I encountered an error. Please try again later."
)

// Generator produces text for a single prompt. *gemini.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Bridge sends one utterance at a time, with no history, to a Generator.
type Bridge struct {
	gen    Generator
	logger *slog.Logger
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBridge(gen Generator, opts ...Option) (*Bridge, error) {
	if gen == nil {
		return nil, errors.New("assistant: generator must not be nil")
	}
	b := &Bridge{gen: gen, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Complete never fails. Upstream errors are logged and replaced by one of
// the fallback texts.
func (b *Bridge) Complete(ctx context.Context, utterance string) string {
	text, err := b.gen.Generate(ctx, utterance)
	switch {
	case errors.Is(err, gemini.ErrNoText):
		b.logger.Warn("assistant: empty reply", "err", err)
		return FallbackEmpty
	case err != nil:
		attrs := []any{"err", err}
		if status, ok := upstreamStatusCode(err); ok {
			attrs = append(attrs, "status", status)
		}
		b.logger.Error("assistant: generation failed", attrs...)
		return FallbackUnavailable
	case strings.TrimSpace(text) == "":
		return FallbackEmpty
	default:
		return text
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
