package provider

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// jsonRepairPrompt is appended when a backend returns unparseable content and
// the adapter re-issues the request once before surfacing a hard failure.
const jsonRepairPrompt = "Return ONLY valid JSON matching the schema. No commentary."

var fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// extractJSON pulls a JSON object out of raw model output. Models in JSON
// mode usually return clean objects, but fences and preambles still show up,
// so this strips markdown fences first and falls back to the outermost brace
// region before giving up.
func extractJSON(content string) (Payload, error) {
	cleaned := strings.TrimSpace(content)
	if m := fencedBlock.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	} else {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var parsed Payload
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && parsed != nil {
		return parsed, nil
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &parsed); err == nil && parsed != nil {
			return parsed, nil
		}
	}

	return nil, fmt.Errorf("non-JSON content: %.200s", cleaned)
}

// buildContextPrompt serializes the instruction plus a context object into
// one user prompt. Context marshalling failures cannot realistically happen
// for our input types, but the fallback keeps the prompt usable anyway.
func buildContextPrompt(instruction string, context any) string {
	blob, err := json.Marshal(context)
	if err != nil {
		blob = []byte("{}")
	}
	return instruction + "\nContext JSON:\n" + string(blob)
}
