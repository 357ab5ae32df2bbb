package flow

import "github.com/dshills/agentflow-go/flow/provider"

// TokenCounter estimates the token footprint of prompts before they reach a
// provider. The engine uses it to decide when history compaction should
// kick in; it never replaces the provider's own usage accounting.
type TokenCounter interface {
	// CountText estimates the tokens in a plain string.
	CountText(text string) int

	// CountMessages estimates the prompt tokens for a full message array,
	// including per-message framing overhead.
	CountMessages(msgs []provider.Message) int
}

// messageOverhead approximates the per-message framing tokens (role markers
// and separators) most chat formats add on top of the content.
const messageOverhead = 4

// HeuristicCounter estimates tokens as len(text)/4, the usual
// four-characters-per-token rule of thumb for English prose. It needs no
// model files and is always available as the default counter.
type HeuristicCounter struct{}

// CountText implements TokenCounter.
func (HeuristicCounter) CountText(text string) int {
	return len(text) / 4
}

// CountMessages implements TokenCounter.
func (h HeuristicCounter) CountMessages(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += h.CountText(m.Text()) + messageOverhead
		for _, p := range m.Parts {
			if p.Type != provider.PartText {
				// Non-text parts cost roughly a fixed block; images in
				// particular are tokenized by tiles, not characters.
				total += 256
			}
		}
	}
	return total
}
