package reviewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/parley/internal/envelope"
)

// reviewSchema is the contract every reviewer result must satisfy after
// lenient extraction. Payloads that parse but do not validate are
// treated as execution failures.
const reviewSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "schema_version", "task_id", "model", "verdict", "blocking",
    "non_blocking", "summary", "confidence", "next_action", "generated_at"
  ],
  "properties": {
    "schema_version": {"const": 1},
    "task_id": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "verdict": {"enum": ["PASS", "FAIL"]},
    "blocking": {"type": "array", "items": {"$ref": "#/$defs/finding"}},
    "non_blocking": {"type": "array", "items": {"$ref": "#/$defs/finding"}},
    "summary": {"type": "string"},
    "confidence": {"enum": ["high", "medium", "low"]},
    "next_action": {"enum": ["proceed", "rework", "manual_review_required"]},
    "generated_at": {"type": "string"},
    "raw_output_ref": {"type": "string"}
  },
  "$defs": {
    "finding": {
      "type": "object",
      "required": ["code", "title", "detail", "severity"],
      "properties": {
        "code": {"type": "string"},
        "title": {"type": "string"},
        "detail": {"type": "string"},
        "severity": {"enum": ["critical", "high", "medium", "low"]},
        "file_path": {"type": "string"},
        "line": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

// Validator validates extracted reviewer output against the review
// result schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded review result schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reviewSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("review-result.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("review-result.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate extracts JSON from raw reviewer output, checks it against the
// schema, and decodes the payload. The task id must match exactly.
func (v *Validator) Validate(raw, taskID string) (envelope.ReviewPayload, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return envelope.ReviewPayload{}, errors.New("output does not contain valid JSON")
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return envelope.ReviewPayload{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return envelope.ReviewPayload{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var payload envelope.ReviewPayload
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return envelope.ReviewPayload{}, fmt.Errorf("decode review payload: %w", err)
	}
	if payload.TaskID != taskID {
		return envelope.ReviewPayload{}, fmt.Errorf("review task_id %q does not match assignment %q", payload.TaskID, taskID)
	}
	return payload, nil
}

// extractJSON finds a JSON object or array in reviewer output.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: find first { or [ and match the closing delimiter.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of
// the string, tracking string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}

// unwrapCLIResult peels provider wrapper objects off CLI output. The
// claude CLI wraps the model response in {"result": "..."} or a content
// chunk array.
func unwrapCLIResult(jsonStr string) string {
	var wrapper struct {
		Result  string `json:"result"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &wrapper); err != nil {
		return jsonStr
	}
	if wrapper.Result != "" {
		if inner := extractJSON(wrapper.Result); inner != "" {
			return inner
		}
		return jsonStr
	}
	if len(wrapper.Content) > 0 {
		parts := make([]string, 0, len(wrapper.Content))
		for _, chunk := range wrapper.Content {
			parts = append(parts, chunk.Text)
		}
		joined := strings.TrimSpace(strings.Join(parts, "\n"))
		if joined != "" {
			if inner := extractJSON(joined); inner != "" {
				return inner
			}
		}
	}
	return jsonStr
}
