package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetSuggestion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req suggestionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Context == "" {
			t.Error("empty context in request")
		}
		json.NewEncoder(w).Encode(suggestionResponse{Suggestion: "reinforce sector 7"})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, nil)
	got := c.GetSuggestion(context.Background(), "two open critical incidents")
	if got != "reinforce sector 7" {
		t.Errorf("suggestion = %q, want collaborator response", got)
	}
}

func TestFallbackOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	fallbacks := []string{"fallback one", "fallback two"}
	c := NewClient(server.URL, time.Second, fallbacks)

	// Fallbacks rotate so repeated failures do not look frozen.
	first := c.GetSuggestion(context.Background(), "ctx")
	second := c.GetSuggestion(context.Background(), "ctx")
	if first != "fallback one" || second != "fallback two" {
		t.Errorf("fallback rotation = (%q, %q), want (fallback one, fallback two)", first, second)
	}
	third := c.GetSuggestion(context.Background(), "ctx")
	if third != "fallback one" {
		t.Errorf("third fallback = %q, want wrap-around to fallback one", third)
	}
}

func TestFallbackWithoutEndpoint(t *testing.T) {
	c := NewClient("", time.Second, nil)
	got := c.GetSuggestion(context.Background(), "ctx")
	if got == "" {
		t.Error("disabled client must still serve a fallback")
	}
}

func TestFallbackOnTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(suggestionResponse{Suggestion: "too late"})
	}))
	defer server.Close()

	c := NewClient(server.URL, 50*time.Millisecond, []string{"local guidance"})
	got := c.GetSuggestion(context.Background(), "ctx")
	if got != "local guidance" {
		t.Errorf("suggestion = %q, want timeout fallback", got)
	}
}
