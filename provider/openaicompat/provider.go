package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coris-io/relay"
)

// defaultInactivity bounds the gap between streamed frames before the
// adapter abandons the connection as stalled.
const defaultInactivity = 120 * time.Second

// Provider implements relay.Provider for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, and any other backend that implements
// the OpenAI chat completions API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	client     *http.Client
	logger     *slog.Logger
	inactivity time.Duration
}

// Option configures a Provider instance.
type Option func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish compatible backends in logs and telemetry.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for proxies or TLS).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger for skipped-frame diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithInactivityTimeout overrides the stream stall deadline.
func WithInactivityTimeout(d time.Duration) Option {
	return func(p *Provider) { p.inactivity = d }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		name:       "openai",
		client:     &http.Client{},
		inactivity: defaultInactivity,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Model returns the model this provider was constructed with.
func (p *Provider) Model() string { return p.model }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may carry tool calls.
func (p *Provider) Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResponse, error) {
	body := BuildBody(req, p.model)

	resp, err := p.send(ctx, body)
	if err != nil {
		return relay.ChatResponse{}, p.sendErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return relay.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return relay.ChatResponse{}, &relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderParse,
			Detail:   fmt.Sprintf("decode response: %v", err),
		}
	}

	return ParseResponse(p.name, chatResp)
}

// ChatStream streams canonical events into ch and returns the assembled
// response. The channel stays open; the caller owns its lifecycle. A
// watchdog abandons the stream when no frame arrives within the
// inactivity deadline, reported as a timeout-kind provider error.
func (p *Provider) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamEvent) (relay.ChatResponse, error) {
	body := BuildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(p.inactivity, func() {
		cancel(&relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderTimeout,
			Detail:   fmt.Sprintf("stream stalled: no frames within %s", p.inactivity),
		})
	})
	defer watchdog.Stop()

	resp, err := p.send(streamCtx, body)
	if err != nil {
		return relay.ChatResponse{}, p.sendErr(streamCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return relay.ChatResponse{}, p.httpErr(resp)
	}

	tr := &translator{provider: p.name}
	norm := &relay.Normalizer{
		Provider:   p.name,
		Translator: tr,
		Logger:     p.logger,
		OnFrame:    func() { watchdog.Reset(p.inactivity) },
	}
	out, err := norm.Run(streamCtx, resp.Body, ch)
	if err != nil {
		return out, err
	}
	if tr.failure != nil {
		return out, tr.failure
	}
	return out, nil
}

// send marshals the body and posts it to the chat completions endpoint.
func (p *Provider) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderBadRequest,
			Detail:   fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderBadRequest,
			Detail:   fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// sendErr classifies a transport-level failure. A cancelled context wins
// over the wrapped error text so watchdog and run-cancel causes survive.
func (p *Provider) sendErr(ctx context.Context, err error) error {
	var pe *relay.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	kind := relay.ProviderTransport
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		kind = relay.ProviderTimeout
	}
	return &relay.ProviderError{Provider: p.name, Kind: kind, Detail: err.Error()}
}

// httpErr reads the failed response and maps the status onto the error
// taxonomy, honoring Retry-After when the backend supplied one.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return relay.ProviderErrorFromStatus(
		p.name,
		resp.StatusCode,
		string(body),
		relay.ParseRetryAfter(resp.Header.Get("Retry-After")),
	)
}

// Compile-time interface check.
var _ relay.Provider = (*Provider)(nil)
