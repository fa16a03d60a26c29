package provider

import "testing"

func TestExtractJSON_CleanObject(t *testing.T) {
	p, err := extractJSON(`{"executive_summary": "ok", "overall_confidence": 0.7}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p["executive_summary"] != "ok" {
		t.Errorf("unexpected payload: %v", p)
	}
}

func TestExtractJSON_FencedBlock(t *testing.T) {
	content := "Here is the result:\n```json\n{\"answer\": \"yes\"}\n```\nDone."
	p, err := extractJSON(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p["answer"] != "yes" {
		t.Errorf("unexpected payload: %v", p)
	}
}

func TestExtractJSON_ObjectBuriedInProse(t *testing.T) {
	content := `The council concluded {"overall_confidence": 0.5} as shown above.`
	p, err := extractJSON(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p["overall_confidence"] != 0.5 {
		t.Errorf("unexpected payload: %v", p)
	}
}

func TestExtractJSON_NonJSONFails(t *testing.T) {
	if _, err := extractJSON("I could not produce a structured answer."); err == nil {
		t.Fatal("expected error for non-JSON content")
	}
}

func TestExtractJSON_ArrayIsRejected(t *testing.T) {
	// Top-level arrays are not a valid council payload.
	if _, err := extractJSON(`[1, 2, 3]`); err == nil {
		t.Fatal("expected error for top-level array")
	}
}
