package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FallbackProvider tries each provider in order until one succeeds.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) (*FallbackProvider, error) {
	if len(providers) == 0 {
		return nil, errors.New("llm: fallback requires at least one provider")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FallbackProvider{providers: providers, logger: logger}, nil
}

// SendMessage returns the first successful response.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(f.providers), errors.Join(errs...))
}

func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
