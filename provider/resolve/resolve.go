// Package resolve turns model references like "openai:gpt-4o" or
// "anthropic:claude-sonnet-4-5" into configured providers. It exists so
// hosts can switch providers with a config string instead of an import.
package resolve

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coris-io/relay"
	"github.com/coris-io/relay/provider/anthropic"
	"github.com/coris-io/relay/provider/gemini"
	"github.com/coris-io/relay/provider/openaicompat"
)

// Config carries the credentials and overrides for Provider. Zero values
// fall back to the provider's environment variable and default endpoint.
type Config struct {
	// APIKey overrides the provider's environment variable.
	APIKey string
	// BaseURL overrides the provider's default endpoint.
	BaseURL string
	// Logger is handed to the provider for stream diagnostics.
	Logger *slog.Logger
}

// ParseModelRef splits a model reference at the first colon. The provider
// half is case-insensitive; the model half passes through verbatim, colons
// included (OpenRouter model names carry slashes and suffixes).
func ParseModelRef(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("resolve: model reference %q is not provider:model", ref)
	}
	return strings.ToLower(provider), model, nil
}

// Provider creates a relay.Provider from a model reference. The API key
// comes from cfg.APIKey when set, else from the provider's conventional
// environment variable (e.g. OPENAI_API_KEY). Local backends (ollama,
// lmstudio) need no key.
func Provider(ref string, cfg Config) (relay.Provider, error) {
	name, model, err := ParseModelRef(ref)
	if err != nil {
		return nil, err
	}

	key := cfg.APIKey
	if key == "" {
		key = os.Getenv(envVar(name))
	}
	// Unknown providers have no env var; let the switch report them.
	if key == "" && requiresKey(name) && envVar(name) != "" {
		return nil, fmt.Errorf("resolve: provider %q needs an API key (set %s)", name, envVar(name))
	}

	switch name {
	case "anthropic":
		opts := []anthropic.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Logger != nil {
			opts = append(opts, anthropic.WithLogger(cfg.Logger))
		}
		return anthropic.NewProvider(key, model, opts...), nil

	case "gemini":
		opts := []gemini.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Logger != nil {
			opts = append(opts, gemini.WithLogger(cfg.Logger))
		}
		return gemini.New(key, model, opts...), nil

	case "openai", "openrouter", "groq", "together", "deepseek", "mistral", "ollama", "lmstudio":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(name)
		}
		opts := []openaicompat.Option{openaicompat.WithName(name)}
		if cfg.Logger != nil {
			opts = append(opts, openaicompat.WithLogger(cfg.Logger))
		}
		return openaicompat.NewProvider(key, model, baseURL, opts...), nil

	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", name)
	}
}

// envVar names the conventional API key variable for a provider.
func envVar(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "together":
		return "TOGETHER_API_KEY"
	case "deepseek":
		return "DEEPSEEK_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// requiresKey reports whether a provider refuses anonymous requests.
// Local backends accept any key, including none.
func requiresKey(provider string) bool {
	switch provider {
	case "ollama", "lmstudio":
		return false
	}
	return true
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	case "lmstudio":
		return "http://localhost:1234/v1"
	default:
		return ""
	}
}
