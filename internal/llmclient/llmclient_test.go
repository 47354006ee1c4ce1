package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", c.baseURL)
	assert.Equal(t, "gpt-4o", c.model)
}

func TestChatCompletionJSONSendsStructuredOutputRequestAndParsesChoice(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: `{"goto":"end"}`}}},
		})
	}))
	defer srv.Close()

	t.Setenv("OPENAI_API_KEY", "sk-test")
	c, err := New(Config{BaseURL: srv.URL, Model: "gpt-4o-mini"})
	require.NoError(t, err)

	schema, err := SchemaFor("RoutingCommand", struct {
		Goto string `json:"goto"`
	}{})
	require.NoError(t, err)

	result, err := c.ChatCompletionJSON(context.Background(), "you are a supervisor", "decide next step", "RoutingCommand", schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"goto":"end"}`, string(result))

	assert.Equal(t, "gpt-4o-mini", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "you are a supervisor", captured.Messages[0].Content)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_schema", captured.ResponseFormat.Type)
	assert.True(t, captured.ResponseFormat.JSONSchema.Strict)
	assert.Equal(t, "RoutingCommand", captured.ResponseFormat.JSONSchema.Name)
}

func TestChatCompletionJSONErrorsOnEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	t.Setenv("OPENAI_API_KEY", "sk-test")
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.ChatCompletionJSON(context.Background(), "sys", "user", "RoutingCommand", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestChatCompletionJSONPropagatesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	t.Setenv("OPENAI_API_KEY", "sk-test")
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.ChatCompletionJSON(context.Background(), "sys", "user", "RoutingCommand", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestSchemaForProducesObjectSchema(t *testing.T) {
	type Example struct {
		Goto string `json:"goto" jsonschema:"required,enum=end|hitl"`
	}
	raw, err := SchemaFor("Example", Example{})
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "Example", schema["title"])
	assert.Contains(t, schema, "properties")
}
