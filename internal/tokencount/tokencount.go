// Package tokencount provides token estimation for the count_tokens endpoint
// and usage accounting. Uses a character-based heuristic (~4 chars per token
// for English) which is sufficient for estimates. Can be replaced with
// tiktoken for exact counts if needed.
package tokencount

import (
	gateway "github.com/quenya/palantir/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a Messages request.
// Accounts for per-message overhead (role, block framing).
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)

		blocks, err := gateway.DecodeBlocks(m.Content)
		if err != nil {
			// Unparseable content still occupies the wire; estimate raw.
			total += estimateTokens(string(m.Content))
			continue
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				total += estimateTokens(b.Text)
			case "tool_use":
				total += estimateTokens(b.Name)
				total += estimateTokens(string(b.Input))
			case "tool_result":
				total += estimateTokens(string(b.Content))
			}
		}
	}
	total += 3 // every reply is primed with the assistant turn marker
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}
