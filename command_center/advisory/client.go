// Package advisory wraps the external AI suggestion collaborator. It is
// strictly best-effort: every failure path returns a static fallback message
// and the client is never on the dispatch path.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dkoval7/AegisOps/command_center/observability"
)

var defaultFallbacks = []string{
	"Continue regular perimeter surveillance. System load is within normal parameters.",
	"Optimizing patrol routes based on current heatmaps. Proceed with standard surveillance.",
}

type Client struct {
	endpoint  string
	http      *http.Client
	fallbacks []string
	next      atomic.Uint64
}

// NewClient builds an advisory client. An empty endpoint disables the remote
// call entirely; every request then serves a fallback.
func NewClient(endpoint string, timeout time.Duration, fallbacks []string) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(fallbacks) == 0 {
		fallbacks = defaultFallbacks
	}
	return &Client{
		endpoint:  endpoint,
		http:      &http.Client{Timeout: timeout},
		fallbacks: fallbacks,
	}
}

type suggestionRequest struct {
	Context string `json:"context"`
}

type suggestionResponse struct {
	Suggestion string `json:"suggestion"`
}

// GetSuggestion asks the collaborator for a strategic suggestion. It never
// returns an error: timeouts and failures recover locally to a fallback.
func (c *Client) GetSuggestion(ctx context.Context, contextSummary string) string {
	if c.endpoint == "" {
		return c.fallback()
	}

	body, err := json.Marshal(suggestionRequest{Context: contextSummary})
	if err != nil {
		return c.fallback()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fallback()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("advisory: request failed: %v", err)
		return c.fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("advisory: unexpected status %d", resp.StatusCode)
		return c.fallback()
	}

	var parsed suggestionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.Suggestion == "" {
		return c.fallback()
	}
	return parsed.Suggestion
}

func (c *Client) fallback() string {
	observability.AdvisoryFallbacks.Inc()
	n := c.next.Add(1)
	return c.fallbacks[int(n-1)%len(c.fallbacks)]
}
