package relay

import "context"

// Provider abstracts the model backend. Adapters live under provider/ and
// translate the canonical request onto their wire format; the runner only
// ever sees this interface.
type Provider interface {
	// Chat sends one round-trip and returns the complete response.
	// Failures are reported as *ProviderError with a stable kind.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams canonical events into ch as they arrive, then
	// returns the assembled response. The channel is not closed by the
	// provider; the caller owns its lifecycle. A streamed round-trip and
	// a Chat round-trip for the same request produce the same response
	// shape.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}
