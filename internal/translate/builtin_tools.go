package translate

import "strings"

// Anthropic reserves some tool types for server-side execution (web search,
// computer use, text editor, bash). The vendor knows none of them, so they
// are downgraded to ordinary function declarations with a built-in schema;
// the client executes the call and replies with tool_result as usual.

// IsReservedAnthropicTool reports whether the tool type is a vendor-reserved
// Anthropic tool that arrives without an input_schema.
func IsReservedAnthropicTool(toolType string) bool {
	return strings.HasPrefix(toolType, "web_search_") ||
		strings.HasPrefix(toolType, "computer") ||
		strings.HasPrefix(toolType, "text_editor_") ||
		strings.HasPrefix(toolType, "bash_")
}

func builtinToolSchema(toolType string) map[string]interface{} {
	switch {
	case strings.HasPrefix(toolType, "web_search_"):
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []interface{}{"query"},
		}
	case strings.HasPrefix(toolType, "bash_"):
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The shell command to run",
				},
				"restart": map[string]interface{}{
					"type":        "boolean",
					"description": "Restart the shell session",
				},
			},
			"required": []interface{}{"command"},
		}
	case strings.HasPrefix(toolType, "text_editor_"):
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The editor command",
					"enum":        []interface{}{"view", "create", "str_replace", "insert"},
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the file",
				},
				"old_str": map[string]interface{}{"type": "string"},
				"new_str": map[string]interface{}{"type": "string"},
				"file_text": map[string]interface{}{"type": "string"},
				"insert_line": map[string]interface{}{"type": "integer"},
			},
			"required": []interface{}{"command", "path"},
		}
	case strings.HasPrefix(toolType, "computer"):
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action": map[string]interface{}{
					"type":        "string",
					"description": "The UI action to perform",
				},
				"coordinate": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "integer"},
				},
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"action"},
		}
	default:
		return map[string]interface{}{"type": "object"}
	}
}

// BuiltinWebSearchToolName identifies the Claude Code web-search tool.
const BuiltinWebSearchToolName = "WebSearch"
