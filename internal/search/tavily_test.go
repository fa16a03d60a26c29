package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTavilySearchKeepsSnippetsAndSourcesAligned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// The second row has a URL but no content and must not leave a
		// stray source behind.
		w.Write([]byte(`{
			"answer": "summary",
			"results": [
				{"content": "first snippet", "url": "https://one.example.com"},
				{"content": "   ", "url": "https://orphan.example.com"},
				{"content": "third snippet", "url": "https://three.example.com"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewTavilyClient("test-key")
	client.endpoint = srv.URL

	got, err := client.Search(context.Background(), "acme distress", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got.Snippets) != 2 || len(got.Sources) != 2 {
		t.Fatalf("snippets = %v, sources = %v, want matched pairs", got.Snippets, got.Sources)
	}
	if got.Sources[0] != "https://one.example.com" || got.Sources[1] != "https://three.example.com" {
		t.Errorf("sources = %v, want empty-content row dropped with its URL", got.Sources)
	}
}

func TestTavilySearchDisabledClient(t *testing.T) {
	client := NewTavilyClient("")
	got, err := client.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got.Snippets) != 0 || got.Answer != "" {
		t.Errorf("disabled client returned content: %+v", got)
	}
}
