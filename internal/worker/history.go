package worker

import "github.com/jkaninda/velocity/internal/events"

// trimHistory bounds the turns re-injected into the sandbox: at most
// maxTurns, then the oldest turns are dropped until the estimate fits
// maxTokens. The result never starts with an assistant turn. Zero limits
// disable the corresponding bound.
func trimHistory(turns []events.Turn, maxTurns, maxTokens int) []events.Turn {
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	if maxTokens > 0 {
		total := 0
		for _, t := range turns {
			total += estimateTokens(t.Content)
		}
		for len(turns) > 0 && total > maxTokens {
			total -= estimateTokens(turns[0].Content)
			turns = turns[1:]
		}
	}
	for len(turns) > 0 && turns[0].Role != events.RoleUser {
		turns = turns[1:]
	}
	return turns
}

// estimateTokens approximates the token count of s at four bytes per token.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
