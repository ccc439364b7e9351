package llm

import (
	"sync"
	"time"
)

// EndpointConfig describes one LLM endpoint.
type EndpointConfig struct {
	// Provider selects the wire format ("openai", "ollama", "anthropic").
	Provider string `yaml:"provider" json:"provider"`

	// URL is the base API URL. Empty uses the provider default.
	URL string `yaml:"url" json:"url"`

	// Model is the model identifier sent to the provider.
	Model string `yaml:"model" json:"model"`

	// MaxTokens caps response length. 0 uses the endpoint default.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// Endpoints is an ordered fallback chain of LLM endpoints with basic health
// tracking. Consecutive failures open a cooldown; the endpoint is skipped
// until it elapses.
type Endpoints struct {
	chain []EndpointConfig

	mu       sync.RWMutex
	failures map[int]int
	openedAt map[int]time.Time

	// FailureThreshold is how many consecutive failures open the cooldown.
	FailureThreshold int

	// Cooldown is how long a failed endpoint is skipped.
	Cooldown time.Duration
}

// NewEndpoints builds a fallback chain in the given order.
func NewEndpoints(chain ...EndpointConfig) *Endpoints {
	return &Endpoints{
		chain:            chain,
		failures:         make(map[int]int),
		openedAt:         make(map[int]time.Time),
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// Available returns the indexes of endpoints currently eligible, in fallback
// order.
func (e *Endpoints) Available() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]int, 0, len(e.chain))
	now := time.Now()
	for i := range e.chain {
		if e.failures[i] >= e.FailureThreshold {
			if now.Sub(e.openedAt[i]) < e.Cooldown {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

// Get returns the endpoint at index i.
func (e *Endpoints) Get(i int) EndpointConfig {
	return e.chain[i]
}

// MarkSuccess resets the failure count for an endpoint.
func (e *Endpoints) MarkSuccess(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, i)
	delete(e.openedAt, i)
}

// MarkFailure records a failure; crossing the threshold opens the cooldown.
func (e *Endpoints) MarkFailure(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[i]++
	if e.failures[i] == e.FailureThreshold {
		e.openedAt[i] = time.Now()
	}
}

// Len returns the chain length.
func (e *Endpoints) Len() int {
	return len(e.chain)
}
