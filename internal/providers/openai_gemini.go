package providers

import "encoding/json"

const (
	geminiAPIBase      = "https://generativelanguage.googleapis.com/v1beta/openai"
	defaultGeminiModel = "gemini-2.5-flash"
)

// NewGeminiProvider creates a provider for Gemini's OpenAI-compatible
// endpoint. Everything rides the OpenAI wire format; the differences
// (no json_schema response mode, stricter schema keyword support) are
// handled by name inside OpenAIProvider.
func NewGeminiProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = geminiAPIBase
	}
	if defaultModel == "" {
		defaultModel = defaultGeminiModel
	}
	return NewOpenAIProvider("gemini", apiKey, apiBase, defaultModel)
}

// geminiSchemaMessage builds the system message that carries the response
// schema for Gemini, which only supports free-form json_object mode.
func geminiSchemaMessage(schema map[string]interface{}) Message {
	schemaJSON, _ := json.Marshal(schema)
	return Message{
		Role: "system",
		Content: "Respond with a single JSON object matching this JSON Schema, with no surrounding text:\n" +
			string(schemaJSON),
	}
}
