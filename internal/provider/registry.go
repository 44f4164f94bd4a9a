package provider

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atlasgw/atlas/internal/config"
)

// APIKeyResolver looks up the plaintext API key for a provider from the
// credential store. Kept as a function type so the registry doesn't
// import internal/credential directly (avoids a credential -> provider ->
// credential import cycle risk if credential ever needs provider pricing).
type APIKeyResolver func(credentialID string) (string, error)

// New builds a Provider adapter for the given provider config. kind
// selects anthropic | openai_compatible | ollama_compatible, matching
// config.ProviderConfig.Kind.
func New(name string, cfg config.ProviderConfig, resolveKey APIKeyResolver) (Provider, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "anthropic":
		key, err := resolveKey(cfg.APIKeyCredID)
		if err != nil {
			return nil, fmt.Errorf("provider %s: resolve api key: %w", name, err)
		}
		return newAnthropicProvider(key, firstModelID(cfg), cfg.BaseURL, timeout)
	case "openai_compatible":
		key, err := resolveKey(cfg.APIKeyCredID)
		if err != nil {
			return nil, fmt.Errorf("provider %s: resolve api key: %w", name, err)
		}
		return newOpenAICompatibleProvider(key, firstModelID(cfg), cfg.BaseURL, timeout)
	case "ollama_compatible":
		return newOllamaProvider(firstModelID(cfg), cfg.BaseURL, timeout)
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q", name, cfg.Kind)
	}
}

func firstModelID(cfg config.ProviderConfig) string {
	for _, m := range cfg.Models {
		if m.ModelID != "" {
			return m.ModelID
		}
	}
	return ""
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
