// Package gemini implements relay.Provider for the Google Gemini API.
// Gemini has no tool-call IDs on the wire: function responses are keyed
// by name, so canonical call IDs are synthesized on parse and the tool
// name is what travels back.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coris-io/relay"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultInactivity = 120 * time.Second
)

// Gemini implements relay.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
	inactivity time.Duration
}

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithBaseURL overrides the API endpoint (e.g. for a proxy).
func WithBaseURL(url string) Option {
	return func(g *Gemini) { g.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.client = c }
}

// WithLogger sets the logger for skipped-frame diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}

// WithInactivityTimeout overrides the stream stall deadline.
func WithInactivityTimeout(d time.Duration) Option {
	return func(g *Gemini) { g.inactivity = d }
}

// New creates a Gemini chat provider.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		client:     &http.Client{},
		inactivity: defaultInactivity,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Model returns the model this provider was constructed with.
func (g *Gemini) Model() string { return g.model }

// Chat sends a non-streaming generateContent call and returns the
// complete response.
func (g *Gemini) Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)

	resp, err := g.send(ctx, url, g.buildBody(req))
	if err != nil {
		return relay.ChatResponse{}, g.sendErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return relay.ChatResponse{}, g.httpErr(resp)
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return relay.ChatResponse{}, &relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderParse,
			Detail:   fmt.Sprintf("decode response: %v", err),
		}
	}

	return parseResponse(parsed)
}

// ChatStream drives streamGenerateContent over SSE, forwarding canonical
// events into ch, and returns the assembled response. The channel stays
// open; the caller owns its lifecycle.
func (g *Gemini) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamEvent) (relay.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(g.inactivity, func() {
		cancel(&relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderTimeout,
			Detail:   fmt.Sprintf("stream stalled: no frames within %s", g.inactivity),
		})
	})
	defer watchdog.Stop()

	resp, err := g.send(streamCtx, url, g.buildBody(req))
	if err != nil {
		return relay.ChatResponse{}, g.sendErr(streamCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return relay.ChatResponse{}, g.httpErr(resp)
	}

	tr := &translator{}
	norm := &relay.Normalizer{
		Provider:   "gemini",
		Translator: tr,
		Logger:     g.logger,
		// Image-bearing chunks run to several MiB of base64.
		MaxFrame: 16 << 20,
		OnFrame:  func() { watchdog.Reset(g.inactivity) },
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

func (g *Gemini) send(ctx context.Context, url string, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderBadRequest,
			Detail:   fmt.Sprintf("marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, &relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderBadRequest,
			Detail:   fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return g.client.Do(httpReq)
}

func (g *Gemini) sendErr(ctx context.Context, err error) error {
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
	return &relay.ProviderError{Provider: "gemini", Kind: kind, Detail: err.Error()}
}

// httpErr maps a failed response onto the error taxonomy, taking the
// retry delay from the Retry-After header or from the google.rpc.RetryInfo
// detail in the JSON error body.
func (g *Gemini) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ra := relay.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(string(body))
	}
	return relay.ProviderErrorFromStatus("gemini", resp.StatusCode, string(body), ra)
}

// parseRetryInfo extracts the retryDelay from a Gemini error body carrying
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// --- Body builder ---

// buildBody constructs the generateContent request body. System messages
// are lifted into systemInstruction; assistant turns map to the "model"
// role; tool results become functionResponse parts keyed by tool name.
func (g *Gemini) buildBody(req relay.ChatRequest) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any = map[string]any{}
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				}
				part := map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				}
				// Thinking models require the signature echoed back.
				if sig := thoughtSignature(tc.Metadata); sig != "" {
					part["thoughtSignature"] = sig
				}
				parts = append(parts, part)
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case m.Role == "tool":
			name := m.ToolName
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"result": m.Content},
					},
				}},
			})

		default:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": img.MimeType,
						"data":     img.Base64,
					},
				})
			}
			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{"role": mapRole(m.Role), "parts": parts})
		}
	}

	body := map[string]any{"contents": contents}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any = map[string]any{}
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	if tc := buildToolConfig(req.Settings.ToolChoice); tc != nil {
		body["toolConfig"] = tc
	}

	if gc := buildGenerationConfig(req.Settings); len(gc) > 0 {
		body["generationConfig"] = gc
	}

	return body
}

func thoughtSignature(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta struct {
		ThoughtSignature string `json:"thoughtSignature"`
	}
	if json.Unmarshal(metadata, &meta) != nil {
		return ""
	}
	return meta.ThoughtSignature
}

// buildToolConfig maps the canonical tool choice onto Gemini's
// functionCallingConfig. "required" is spelled ANY; a named choice is ANY
// restricted to one function.
func buildToolConfig(tc relay.ToolChoice) map[string]any {
	var cfg map[string]any
	switch tc.Mode {
	case relay.ToolChoiceAuto:
		cfg = map[string]any{"mode": "AUTO"}
	case relay.ToolChoiceNone:
		cfg = map[string]any{"mode": "NONE"}
	case relay.ToolChoiceRequired:
		cfg = map[string]any{"mode": "ANY"}
	case relay.ToolChoiceNamed:
		cfg = map[string]any{"mode": "ANY", "allowedFunctionNames": []string{tc.Name}}
	default:
		return nil
	}
	return map[string]any{"functionCallingConfig": cfg}
}

func buildGenerationConfig(s relay.ModelSettings) map[string]any {
	gc := map[string]any{}
	if s.Temperature != 0 {
		gc["temperature"] = s.Temperature
	}
	if s.TopP != 0 {
		gc["topP"] = s.TopP
	}
	if s.MaxTokens > 0 {
		gc["maxOutputTokens"] = s.MaxTokens
	}
	if len(s.StopSequences) > 0 {
		gc["stopSequences"] = s.StopSequences
	}
	if s.ResponseFormat == "json" {
		gc["responseMimeType"] = "application/json"
	}
	return gc
}

// mapRole converts canonical roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// --- Response parsing ---

type generateResponse struct {
	Candidates    []candidate `json:"candidates"`
	UsageMetadata *usageMeta  `json:"usageMetadata"`
	Error         *apiError   `json:"error,omitempty"`
}

type candidate struct {
	Content      candidateContent `json:"content"`
	FinishReason string           `json:"finishReason"`
}

type candidateContent struct {
	Parts []part `json:"parts"`
	Role  string `json:"role"`
}

type part struct {
	Text             *string       `json:"text,omitempty"`
	FunctionCall     *functionCall `json:"functionCall,omitempty"`
	Thought          bool          `json:"thought,omitempty"`
	ThoughtSignature string        `json:"thoughtSignature,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type usageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// parseResponse folds candidates[0] into the canonical response: text
// parts concatenate (thinking parts are skipped), functionCall parts
// become tool calls with synthesized IDs.
func parseResponse(parsed generateResponse) (relay.ChatResponse, error) {
	var out relay.ChatResponse

	if parsed.Error != nil {
		return out, &relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderServer,
			Status:   parsed.Error.Code,
			Detail:   parsed.Error.Message,
		}
	}
	if len(parsed.Candidates) == 0 {
		return out, &relay.ProviderError{
			Provider: "gemini",
			Kind:     relay.ProviderParse,
			Detail:   "response carried no candidates",
		}
	}

	cand := parsed.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Thought {
			continue
		}
		if p.Text != nil {
			text.WriteString(*p.Text)
		}
		if p.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, toolCallFromPart(p))
		}
	}
	out.Content = text.String()
	out.Usage = convertUsage(parsed.UsageMetadata)
	out.FinishReason = mapFinish(cand.FinishReason, len(out.ToolCalls) > 0)

	return out, nil
}

func toolCallFromPart(p part) relay.ToolCall {
	args := p.FunctionCall.Args
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}
	tc := relay.ToolCall{
		ID:   relay.NewCallID(),
		Name: p.FunctionCall.Name,
		Args: args,
	}
	if p.ThoughtSignature != "" {
		meta, _ := json.Marshal(map[string]string{"thoughtSignature": p.ThoughtSignature})
		tc.Metadata = meta
	}
	return tc
}

func convertUsage(u *usageMeta) relay.Usage {
	if u == nil {
		return relay.Usage{}
	}
	return relay.Usage{
		InputTokens:  u.PromptTokenCount,
		OutputTokens: u.CandidatesTokenCount,
		TotalTokens:  u.PromptTokenCount + u.CandidatesTokenCount,
	}
}

func mapFinish(reason string, hasCalls bool) relay.FinishReason {
	switch reason {
	case "STOP":
		if hasCalls {
			return relay.FinishToolCalls
		}
		return relay.FinishStop
	case "MAX_TOKENS":
		return relay.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return relay.FinishContentFilter
	case "":
		if hasCalls {
			return relay.FinishToolCalls
		}
		return relay.FinishStop
	default:
		return relay.FinishStop
	}
}

// Compile-time interface check.
var _ relay.Provider = (*Gemini)(nil)
