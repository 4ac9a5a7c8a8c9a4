package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	defaultAzureAPIVersion = "2024-02-15-preview"
	maxErrorBody           = 512
)

const systemPrompt = "You translate questions about a relational database into exactly one SQL query. " +
	"Use only the tables and columns listed in the schema and follow the style of the example queries. " +
	"Return the query in a single ```sql fenced block."

type OpenAIConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Deployment  string
	APIVersion  string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIGenerator calls an OpenAI-compatible chat completions endpoint,
// either api.openai.com style or an Azure OpenAI deployment.
type OpenAIGenerator struct {
	provider    string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}

	var endpoint string
	switch provider {
	case ProviderOpenAI:
		endpoint = baseURL + "/v1/chat/completions"
	case ProviderAzure:
		deployment := strings.TrimSpace(cfg.Deployment)
		if deployment == "" {
			return nil, fmt.Errorf("azure deployment is required")
		}
		version := strings.TrimSpace(cfg.APIVersion)
		if version == "" {
			version = defaultAzureAPIVersion
		}
		endpoint = baseURL + "/openai/deployments/" + url.PathEscape(deployment) +
			"/chat/completions?api-version=" + url.QueryEscape(version)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clientCopy := *client
	clientCopy.Timeout = timeout

	return &OpenAIGenerator{
		provider:    provider,
		endpoint:    endpoint,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &clientCopy,
	}, nil
}

func (g *OpenAIGenerator) Provider() string { return g.provider }

func (g *OpenAIGenerator) Generate(ctx context.Context, sqlContext Context, question string) (Generation, error) {
	body, err := json.Marshal(g.payload(sqlContext, question))
	if err != nil {
		return Generation{}, g.fail(0, "encode chat payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Generation{}, g.fail(0, "build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.provider == ProviderAzure {
		httpReq.Header.Set("api-key", g.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		message := "request chat completion"
		if isTimeout(ctx, err) {
			message = "generation timed out"
		}
		genErr := g.fail(0, message, err)
		genErr.Retryable = true
		return Generation{}, genErr
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Generation{}, g.fail(0, "read chat response body", err)
	}
	if resp.StatusCode >= 400 {
		genErr := g.fail(resp.StatusCode, statusMessage(resp.StatusCode, rawRespBody), nil)
		genErr.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return Generation{}, genErr
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Generation{}, g.fail(0, "decode chat completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return Generation{}, g.fail(0, "empty chat completion choices", nil)
	}

	model := parsed.Model
	if model == "" {
		model = g.model
	}
	raw := parsed.Choices[0].Message.Content
	return Generation{
		SQL:      NormalizeCompletion(raw),
		Raw:      raw,
		Provider: g.provider,
		Model:    model,
	}, nil
}

func (g *OpenAIGenerator) payload(sqlContext Context, question string) map[string]any {
	payload := map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": sqlContext.Render(question)},
		},
		"temperature": g.temperature,
	}
	if g.provider == ProviderOpenAI {
		payload["model"] = g.model
	}
	if g.maxTokens > 0 {
		payload["max_tokens"] = g.maxTokens
	}
	return payload
}

func (g *OpenAIGenerator) fail(status int, message string, err error) *GenerationError {
	return &GenerationError{Provider: g.provider, StatusCode: status, Message: message, Err: err}
}

func statusMessage(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return "chat completion failed: " + envelope.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return "chat completion failed: " + text
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
