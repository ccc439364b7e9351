package llm

import (
	"net/http"
	"sync"
)

// Provider adapts one vendor wire format. Implementations register
// themselves in init; the client looks them up by endpoint config.
type Provider interface {
	Name() string

	// BuildURL resolves the full endpoint URL from a configured base,
	// applying the vendor default when the base is empty.
	BuildURL(baseURL string) string

	// SetHeaders applies vendor auth and version headers.
	SetHeaders(req *http.Request)

	// BuildRequestBody encodes the chat request. A nil temperature means
	// the vendor default; maxTokens <= 0 means unset.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse decodes the vendor response body.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerMu sync.RWMutex
	providers  = make(map[string]Provider)
)

// RegisterProvider makes p available under its Name.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	providers[p.Name()] = p
	providerMu.Unlock()
}

// GetProvider returns the provider registered under name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providers[name]
}

// ListProviders returns the registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
