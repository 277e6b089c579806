// Package tokenest approximates token counts and request cost.
//
// Routing decisions use the chars/4 heuristic; it is knowingly wrong for
// non-ASCII input and never enforced against backend limits. The
// tiktoken-backed counter exists only to backfill usage when a remote
// provider omits the usage object.
package tokenest

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokens approximates the token count of n characters (chars/4, rounded up).
func Tokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// Cost computes the routing cost estimate: costPerUnit * ceil(chars/4) / 1000.
func Cost(costPerUnit float64, chars int) float64 {
	return costPerUnit * float64(Tokens(chars)) / 1000
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// Count returns a tiktoken count for text, falling back to chars/4 when the
// encoding is unavailable (e.g. offline BPE download).
func Count(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return Tokens(len(text))
	}
	return len(enc.Encode(text, nil, nil))
}
