package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by the telemetry instruments.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrToolName = attribute.Key("tool.name")

	AttrAgentName = attribute.Key("agent.name")
)
