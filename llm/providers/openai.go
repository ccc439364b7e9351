package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/changeops/llm"
)

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// OpenAIProvider targets api.openai.com (or OpenRouter) with the same wire
// codec as OllamaProvider; only the default URL and auth differ.
type OpenAIProvider struct {
	OllamaProvider
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return chatCompletionsURL(baseURL)
}

// SetHeaders sets the bearer token plus the OpenRouter attribution headers
// when configured.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
