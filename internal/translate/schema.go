package translate

import (
	"fmt"
	"strings"
)

// JSON Schema keywords the vendor rejects. Validation-only constraints are
// dropped; structural keywords survive.
var strippedSchemaKeys = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"$comment":             true,
	"$defs":                true,
	"definitions":          true,
	"$ref":                 true,
	"additionalProperties": true,
	"default":              true,
	"examples":             true,
	"minimum":              true,
	"maximum":              true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"multipleOf":           true,
	"minLength":            true,
	"maxLength":            true,
	"pattern":              true,
	"format":               true,
	"minItems":             true,
	"maxItems":             true,
	"uniqueItems":          true,
	"minProperties":        true,
	"maxProperties":        true,
	"allOf":                true,
	"anyOf":                true,
	"oneOf":                true,
	"not":                  true,
	"title":                true,
}

// SanitizeSchema rewrites a JSON Schema for the vendor: validation keywords
// removed, "const" folded into "enum", the type keyword case-normalized per
// model family (Gemini wants uppercase, Claude lowercase). Empty object
// schemas get a placeholder property because the vendor rejects empty ones.
func SanitizeSchema(schema map[string]interface{}, upperTypes bool) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderSchema(upperTypes)
	}

	out := make(map[string]interface{}, len(schema))
	for key, value := range schema {
		if key == "const" {
			out["enum"] = []interface{}{value}
			continue
		}
		if strippedSchemaKeys[key] {
			continue
		}
		switch key {
		case "type":
			out["type"] = normalizeType(value, upperTypes)
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				clean := make(map[string]interface{}, len(props))
				for name, sub := range props {
					if subMap, ok := sub.(map[string]interface{}); ok {
						clean[name] = SanitizeSchema(subMap, upperTypes)
					} else {
						clean[name] = sub
					}
				}
				out["properties"] = clean
			}
		case "items":
			out["items"] = sanitizeItems(value, upperTypes)
		default:
			if subMap, ok := value.(map[string]interface{}); ok {
				out[key] = SanitizeSchema(subMap, upperTypes)
			} else {
				out[key] = value
			}
		}
	}

	if _, ok := out["type"]; !ok {
		out["type"] = normalizeType("object", upperTypes)
	}

	// Keep required consistent with the surviving properties.
	if required, ok := out["required"].([]interface{}); ok {
		props, _ := out["properties"].(map[string]interface{})
		kept := make([]interface{}, 0, len(required))
		for _, r := range required {
			if name, ok := r.(string); ok {
				if _, exists := props[name]; exists {
					kept = append(kept, name)
				}
			}
		}
		if len(kept) > 0 {
			out["required"] = kept
		} else {
			delete(out, "required")
		}
	}

	if isObjectType(out["type"]) {
		props, hasProps := out["properties"].(map[string]interface{})
		if !hasProps || len(props) == 0 {
			return placeholderSchema(upperTypes)
		}
	}
	return out
}

func sanitizeItems(value interface{}, upperTypes bool) interface{} {
	switch items := value.(type) {
	case map[string]interface{}:
		return SanitizeSchema(items, upperTypes)
	case []interface{}:
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, SanitizeSchema(m, upperTypes))
			} else {
				out = append(out, item)
			}
		}
		return out
	default:
		return value
	}
}

func normalizeType(value interface{}, upper bool) interface{} {
	switch t := value.(type) {
	case string:
		if upper {
			return strings.ToUpper(t)
		}
		return strings.ToLower(t)
	case []interface{}:
		// Nullable unions flatten to the first non-null member.
		for _, v := range t {
			if s, ok := v.(string); ok && !strings.EqualFold(s, "null") {
				return normalizeType(s, upper)
			}
		}
		return normalizeType("string", upper)
	default:
		return value
	}
}

func isObjectType(value interface{}) bool {
	s, ok := value.(string)
	return ok && strings.EqualFold(s, "object")
}

func placeholderSchema(upperTypes bool) map[string]interface{} {
	return map[string]interface{}{
		"type": normalizeType("object", upperTypes),
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        normalizeType("string", upperTypes),
				"description": "Reason for calling this tool",
			},
		},
		"required": []interface{}{"reason"},
	}
}

// CleanToolName restricts a tool name to the vendor's identifier alphabet
// and caps it at 64 characters.
func CleanToolName(name string, index int) string {
	if name == "" {
		return fmt.Sprintf("tool_%d", index)
	}
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
