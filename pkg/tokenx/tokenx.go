// Package tokenx estimates token counts for context-budget checks. Estimates
// use the cl100k_base encoding with a heuristic fallback so a missing
// encoding file never blocks admission.
package tokenx

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Count returns the token count for a string, or a 4-bytes-per-token
// heuristic when the encoding is unavailable.
func Count(s string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// CountMessages estimates the prompt token total for a message list,
// including a small per-message framing overhead.
func CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += Count(m.Content) + 4
	}
	return total
}
