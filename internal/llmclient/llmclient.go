// Package llmclient calls an OpenAI-compatible chat-completions
// endpoint with a structured-output JSON Schema hint, grounded on
// kadirpekel-hector/pkg/llms/openai.go's request/response shape.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/devflow/orchestrator/internal/httpclient"
)

// ErrMissingAPIKey is returned when OPENAI_API_KEY is not set at
// startup (spec §6: "a missing critical key blocks startup").
var ErrMissingAPIKey = fmt.Errorf("llmclient: OPENAI_API_KEY is not set")

// Client calls the chat-completions endpoint.
type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

// Config configures a Client.
type Config struct {
	BaseURL string // default https://api.openai.com/v1
	Model   string // default gpt-4o
}

// New builds a Client, reading OPENAI_API_KEY from the environment.
func New(cfg Config) (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	return &Client{
		http:    httpclient.New(),
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		model:   cfg.Model,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaFormat `json:"json_schema"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// SchemaFor generates a JSON Schema for v using invopop/jsonschema, the
// same library kadirpekel-hector uses for tool-call schemas
// (pkg/tool/functiontool/schema.go).
func SchemaFor(name string, v any) (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(v)
	schema.Title = name
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshaling schema: %w", err)
	}
	return raw, nil
}

// ChatCompletionJSON sends a system/user prompt pair and asks for a
// structured-output response matching schema, returning the raw JSON
// payload of the model's single message (spec §4.3 step 3).
func (c *Client) ChatCompletionJSON(ctx context.Context, systemPrompt, userPrompt string, schemaName string, schema json.RawMessage) (json.RawMessage, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaFormat{
				Name:   schemaName,
				Strict: true,
				Schema: schema,
			},
		},
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	data, err := c.http.PostJSON(ctx, c.baseURL+"/chat/completions", headers, req, httpclient.SmartRetry)
	if err != nil {
		return nil, fmt.Errorf("llmclient: chat completion request failed: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("llmclient: decoding chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llmclient: chat completion returned no choices")
	}

	return json.RawMessage(parsed.Choices[0].Message.Content), nil
}
