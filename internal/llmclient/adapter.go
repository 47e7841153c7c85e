package llmclient

import (
	"context"
	"fmt"
	"strings"
)

// defaultModel is the sidecar model name used for single-shot text generation
// (AgentLoop completions, summarization). Distinct from the per-
// VectorIndex embedding model configured in §3/§4.5.
const defaultModel = "default"

// Complete satisfies agent.LLM: it opens a Generate stream for a single
// user-turn prompt and concatenates chunks until Done, mirroring how
// tarsy's GRPCLLMClient callers drain a stream into one string when they
// don't need incremental tokens.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ch, err := c.Generate(ctx, &GenerateRequest{
		Messages: []Message{{Role: "user", Content: prompt}},
		Model:    defaultModel,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.ErrorMessage != "" {
			return "", fmt.Errorf("llmclient: generate: %s", chunk.ErrorMessage)
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// EmbedQuery satisfies contextbuilder.Embedder: embed a single retrieval
// query string against the same sidecar used for node embeddings.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, defaultModel, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("llmclient: embed query: empty response")
	}
	return vecs[0], nil
}

const summarizePromptTemplate = `Summarize the following conversation excerpt in two short labeled sections.
Respond with exactly two lines, no extra commentary:
CONVERSATION: <3-4 line summary of what was discussed>
ACTIONS: <3-4 line summary of actions taken and their outcomes>

Excerpt:
%s`

// Summarize satisfies conversation.Summarizer: a single completion call
// asking the provider for the two labeled fields §4.9's hierarchical
// summarization needs, parsed by line prefix rather than a structured
// schema since this is a plain single-turn prompt, not a tool call.
func (c *Client) Summarize(ctx context.Context, text string) (conversationSummary, actionsSummary string, err error) {
	raw, err := c.Complete(ctx, fmt.Sprintf(summarizePromptTemplate, text))
	if err != nil {
		return "", "", fmt.Errorf("llmclient: summarize: %w", err)
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "CONVERSATION:"):
			conversationSummary = strings.TrimSpace(strings.TrimPrefix(line, "CONVERSATION:"))
		case strings.HasPrefix(line, "ACTIONS:"):
			actionsSummary = strings.TrimSpace(strings.TrimPrefix(line, "ACTIONS:"))
		}
	}
	if conversationSummary == "" {
		conversationSummary = raw
	}
	return conversationSummary, actionsSummary, nil
}
