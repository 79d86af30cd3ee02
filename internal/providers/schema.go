package providers

import "strings"

// CleanSchemaForProvider returns a copy of a JSON Schema with keywords the
// target provider rejects removed. All providers drop "$schema"; Gemini's
// OpenAI-compatible endpoint additionally rejects "additionalProperties",
// "default" and "examples".
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	drop := map[string]bool{"$schema": true}
	if strings.Contains(strings.ToLower(provider), "gemini") {
		drop["additionalProperties"] = true
		drop["default"] = true
		drop["examples"] = true
	}
	cleaned, _ := cleanValue(schema, drop).(map[string]interface{})
	return cleaned
}

// CleanToolSchemas converts tool definitions to the OpenAI wire format,
// cleaning each parameter schema for the target provider.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}

func cleanValue(v interface{}, drop map[string]bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if drop[k] {
				continue
			}
			out[k] = cleanValue(inner, drop)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = cleanValue(inner, drop)
		}
		return out
	default:
		return v
	}
}
