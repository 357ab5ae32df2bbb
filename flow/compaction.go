package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/agentflow-go/flow/provider"
)

// DefaultCompactionPrompt instructs the summarization call that replaces
// older history during compaction.
const DefaultCompactionPrompt = "Summarize the conversation so far. Preserve key facts, decisions, " +
	"tool results, and unresolved questions. Be concise; the summary replaces the original messages."

// Compaction summarizes older history when the estimated prompt size nears
// the model's context limit. The engine checks before each agent call: when
// the token estimate crosses Threshold of the context length, everything
// except the most recent KeepRecent messages is replaced by one summary
// message. Compaction failures are reported through the emitter and never
// fail the run.
type Compaction struct {
	// Model used for the summarization call. Empty falls back to the
	// engine's default model.
	Model string

	// Threshold is the fraction of the context limit that triggers
	// compaction. Zero or negative means the default of 0.8.
	Threshold float64

	// KeepRecent is the number of trailing messages preserved verbatim.
	// Zero means the default of 4.
	KeepRecent int

	// Prompt overrides DefaultCompactionPrompt when non-empty.
	Prompt string
}

func (c *Compaction) threshold() float64 {
	if c.Threshold <= 0 {
		return 0.8
	}
	return c.Threshold
}

func (c *Compaction) keepRecent() int {
	if c.KeepRecent <= 0 {
		return 4
	}
	return c.KeepRecent
}

// ShouldCompact reports whether the estimated token count warrants
// compaction for the given context limit.
func (c *Compaction) ShouldCompact(estimated, contextLimit int) bool {
	if contextLimit <= 0 {
		return false
	}
	return float64(estimated) >= c.threshold()*float64(contextLimit)
}

// Compact summarizes all but the most recent messages into one system
// message and returns the shortened history. When there is nothing to
// summarize the input is returned unchanged.
func (c *Compaction) Compact(ctx context.Context, p provider.Provider, model string, msgs []provider.Message) ([]provider.Message, error) {
	keep := c.keepRecent()
	if len(msgs) <= keep {
		return msgs, nil
	}
	if c.Model != "" {
		model = c.Model
	}
	if model == "" {
		return msgs, fmt.Errorf("no model available for compaction")
	}

	older := msgs[:len(msgs)-keep]
	recent := msgs[len(msgs)-keep:]

	prompt := c.Prompt
	if prompt == "" {
		prompt = DefaultCompactionPrompt
	}

	var transcript strings.Builder
	for _, m := range older {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Text())
	}

	resp, err := p.Chat(ctx, provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: prompt},
			{Role: provider.RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return msgs, fmt.Errorf("failed to summarize history: %w", err)
	}

	compacted := make([]provider.Message, 0, keep+1)
	compacted = append(compacted, provider.Message{
		Role:    provider.RoleSystem,
		Content: "Summary of earlier conversation:\n" + resp.Content,
	})
	compacted = append(compacted, recent...)
	return compacted, nil
}
