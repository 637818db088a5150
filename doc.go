// Package relay is an agent execution runtime for building tool-calling
// LLM applications in Go.
//
// It provides the pieces between a chat model and the tools it calls:
// provider adapters, a validating tool executor with retries and
// human-in-the-loop approval, a reason-act run loop, streaming
// normalization, and serialized sessions with cancellation.
//
// # Quick Start
//
// Build an agent around a provider and run a task:
//
//	prov := openaicompat.New(apiKey, "gpt-4o")
//
//	weather := relay.NewTool("get_weather", "Current weather for a city.",
//		weatherSchema, weatherHandler)
//
//	agent, err := relay.NewAgent("assistant", prov,
//		relay.WithInstructions("You are a helpful assistant."),
//		relay.WithTools(weather),
//	)
//
//	res, err := agent.Run(ctx, relay.Task{Input: "Weather in Oslo?"})
//
// For interactive use, wrap the agent in a Session (one run at a time,
// queued messages, cancel, approvals) or a Supervisor (many sessions):
//
//	sv := relay.NewSupervisor(agent)
//	sess, err := sv.Open("")
//	sub, err := sess.Subscribe(16)
//	runID, err := sess.SendMessage("Weather in Oslo?")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — model backend (chat, tool calling, streaming)
//   - [Handler], [CtxHandler] — tool implementations
//   - [ApprovalHandler] — human-in-the-loop decision point
//   - [PreModelCallback], [PostModelCallback], [PostToolCallback] — run hooks
//   - [Archive] — run persistence
//   - [Observer] — telemetry sink
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs),
// provider/anthropic, provider/gemini, with provider/resolve to pick one
// from a "provider:model" reference.
// Storage: store/sqlite (local), store/postgres.
// Telemetry: observer (OpenTelemetry traces, metrics, logs, token cost).
//
// See the cmd/relay directory for a complete terminal client.
package relay
