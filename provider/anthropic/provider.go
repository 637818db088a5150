package anthropic

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

const (
	defaultBaseURL    = "https://api.anthropic.com"
	apiVersion        = "2023-06-01"
	defaultInactivity = 120 * time.Second
)

// Provider implements relay.Provider for the Anthropic Messages API.
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

// WithBaseURL overrides the API endpoint (e.g. for a proxy).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
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

// NewProvider creates an Anthropic Messages API provider.
func NewProvider(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "anthropic",
		client:     &http.Client{},
		inactivity: defaultInactivity,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return p.name }

// Model returns the model this provider was constructed with.
func (p *Provider) Model() string { return p.model }

// Chat sends a non-streaming request and returns the complete response.
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

	var msg MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return relay.ChatResponse{}, &relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderParse,
			Detail:   fmt.Sprintf("decode response: %v", err),
		}
	}

	return ParseResponse(p.name, msg)
}

// ChatStream streams canonical events into ch and returns the assembled
// response. The channel stays open; the caller owns its lifecycle.
func (p *Provider) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamEvent) (relay.ChatResponse, error) {
	body := BuildBody(req, p.model)
	body.Stream = true

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

	tr := newTranslator(p.name)
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

func (p *Provider) send(ctx context.Context, body MessagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderBadRequest,
			Detail:   fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ProviderError{
			Provider: p.name,
			Kind:     relay.ProviderBadRequest,
			Detail:   fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	return p.client.Do(httpReq)
}

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
