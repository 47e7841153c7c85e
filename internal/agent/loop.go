// Package agent implements AgentLoop (§4.8): a bounded, iteration-capped
// loop that turns a user message plus a tool set into a final structured
// answer, over an XML wire format with repeated-id tolerance (see xml.go).
//
// Grounded on tarsy's pkg/agent/controller.IteratingController: the same
// ExecutionContext/ExecutionResult/IterationState/TokenUsage shape,
// generalized from tarsy's native function-calling loop to the
// XML-structured decode-then-dispatch loop this spec requires.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kgraphd/kgraphd/internal/tools"
)

// parseArgsJSON decodes one tool call's stringified args, tolerating
// malformed or empty JSON by returning an empty argument map rather than
// failing the whole iteration.
func parseArgsJSON(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// TerminalField selects which output field signals loop completion.
type TerminalField string

const (
	TerminalAnswer      TerminalField = "answer"
	TerminalFinalAnswer TerminalField = "final_answer"
)

// LLM is the minimal surface AgentLoop needs from the provider.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ContextBuilder supplies enriched (retrieved+recent) context per turn.
type ContextBuilder interface {
	Build(ctx context.Context, conversationID, query string) (string, error)
}

// TokenUsage tracks per-iteration token accounting, kept from tarsy's
// controller and adapted to this domain.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// IterationState records one loop iteration for audit logging.
type IterationState struct {
	Iteration   int
	Prompt      string
	RawResponse string
	Parsed      ParsedResponse
	ToolResults []tools.CallResult
	Usage       TokenUsage
}

// ExecutionContext is everything one AgentLoop.Run call needs.
type ExecutionContext struct {
	ConversationID string
	Task           string
	Persona        string
	BasePrompt     string
	TaskContext    string
	MaxIterations  int // default 10
	Terminal       TerminalField
}

func (ec *ExecutionContext) setDefaults() {
	if ec.MaxIterations <= 0 {
		ec.MaxIterations = 10
	}
	if ec.Terminal == "" {
		ec.Terminal = TerminalAnswer
	}
}

// ExecutionResult is the loop's final outcome.
type ExecutionResult struct {
	FinalOutput string
	Iterations  []IterationState
	Usage       TokenUsage
}

// AuditSink receives one log entry per iteration, flushed immediately so
// a crashed process leaves a complete trail up to the crash (§4.8
// logging requirement).
type AuditSink interface {
	Append(entry AuditEntry) error
}

// AuditEntry is one `{type, timestamp, iteration?, data}` log line.
type AuditEntry struct {
	Type      string
	Timestamp time.Time
	Iteration int
	Data      any
}

// Loop runs the bounded agent loop.
type Loop struct {
	llm     LLM
	tools   *tools.Registry
	context ContextBuilder
	audit   AuditSink
}

// New constructs a Loop.
func New(llm LLM, toolRegistry *tools.Registry, contextBuilder ContextBuilder, audit AuditSink) *Loop {
	return &Loop{llm: llm, tools: toolRegistry, context: contextBuilder, audit: audit}
}

// Run executes the §4.8 per-iteration algorithm until a terminal field is
// produced, no valid tool calls remain, maxIterations is hit, or ctx is
// cancelled between iterations.
func (l *Loop) Run(ctx context.Context, execCtx ExecutionContext) (*ExecutionResult, error) {
	execCtx.setDefaults()
	result := &ExecutionResult{}
	var toolContext strings.Builder

	for iteration := 1; iteration <= execCtx.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		enriched := ""
		if l.context != nil {
			var err error
			enriched, err = l.context.Build(ctx, execCtx.ConversationID, execCtx.Task)
			if err != nil {
				l.logAudit(AuditEntry{Type: "context_build_error", Timestamp: time.Now(), Iteration: iteration, Data: err.Error()})
			}
		}

		systemPrompt := buildSystemPrompt(execCtx.BasePrompt, execCtx.TaskContext, enriched)
		prompt := l.buildPrompt(systemPrompt, execCtx, toolContext.String())

		raw, err := l.llm.Complete(ctx, prompt)
		if err != nil {
			l.logAudit(AuditEntry{Type: "llm_error", Timestamp: time.Now(), Iteration: iteration, Data: err.Error()})
			return result, fmt.Errorf("agent: llm call failed on iteration %d: %w", iteration, err)
		}

		parsed, err := ParseResponse(raw)
		if err != nil {
			l.logAudit(AuditEntry{Type: "parse_error", Timestamp: time.Now(), Iteration: iteration, Data: err.Error()})
			parsed = ParsedResponse{Output: raw}
		}

		state := IterationState{Iteration: iteration, Prompt: prompt, RawResponse: raw, Parsed: parsed}

		validCalls := l.filterValidCalls(parsed.ToolCalls)
		if len(validCalls) > 0 {
			calls := make([]tools.Call, len(validCalls))
			for i, tc := range validCalls {
				calls[i] = tools.Call{Name: tc.ToolName, Args: parseArgsJSON(tc.ArgsJSON)}
			}
			toolResults := l.tools.InvokeBatch(ctx, calls)
			state.ToolResults = toolResults
			appendToolContext(&toolContext, toolResults)
		}

		result.Iterations = append(result.Iterations, state)
		l.logAudit(AuditEntry{Type: "iteration", Timestamp: time.Now(), Iteration: iteration, Data: state})

		if terminal, ok := terminalValue(parsed, execCtx.Terminal); ok {
			result.FinalOutput = terminal
			return result, nil
		}
		if len(validCalls) == 0 {
			result.FinalOutput = parsed.Output
			return result, nil
		}
	}

	return l.forceConclusion(ctx, execCtx, result, toolContext.String())
}

// forceConclusion asks the LLM one more time without tools, after
// exhausting maxIterations, per tarsy's controller fallback shape.
func (l *Loop) forceConclusion(ctx context.Context, execCtx ExecutionContext, result *ExecutionResult, toolContext string) (*ExecutionResult, error) {
	prompt := buildSystemPrompt(execCtx.BasePrompt, execCtx.TaskContext, "") + "\n\n" +
		"Iterations exhausted. Provide your best final answer now, with no further tool calls.\n" + toolContext
	raw, err := l.llm.Complete(ctx, prompt)
	if err != nil {
		return result, fmt.Errorf("agent: forced conclusion failed: %w", err)
	}
	parsed, _ := ParseResponse(raw)
	if parsed.Output != "" {
		result.FinalOutput = parsed.Output
	} else {
		result.FinalOutput = raw
	}
	return result, nil
}

func (l *Loop) filterValidCalls(calls []RequestedToolCall) []RequestedToolCall {
	var out []RequestedToolCall
	for _, c := range calls {
		if l.tools != nil && l.tools.Has(c.ToolName) {
			out = append(out, c)
		}
	}
	return out
}

func (l *Loop) logAudit(entry AuditEntry) {
	if l.audit == nil {
		return
	}
	_ = l.audit.Append(entry)
}

func (l *Loop) buildPrompt(systemPrompt string, execCtx ExecutionContext, toolContext string) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n## Tool Definitions\n")
	if l.tools != nil {
		for _, def := range l.tools.List() {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", def.Name, def.Description))
		}
	}
	sb.WriteString("\n## Task\n")
	sb.WriteString(execCtx.Task)
	if execCtx.Persona != "" {
		sb.WriteString("\n\n## Persona\n")
		sb.WriteString(execCtx.Persona)
	}
	if toolContext != "" {
		sb.WriteString("\n\n## Tool Results So Far\n")
		sb.WriteString(toolContext)
	}
	sb.WriteString("\n\n## Required Output Schema\n")
	sb.WriteString(`<response><reasoning>...</reasoning><output>...</output><answer>...</answer><tool_calls><item id="1"><name>...</name><args>{...}</args></item></tool_calls></response>`)
	return sb.String()
}

func buildSystemPrompt(base, taskContext, enriched string) string {
	var sb strings.Builder
	sb.WriteString(base)
	if taskContext != "" {
		sb.WriteString("\n\n")
		sb.WriteString(taskContext)
	}
	if enriched != "" {
		sb.WriteString("\n\n")
		sb.WriteString(enriched)
	}
	return sb.String()
}

func terminalValue(parsed ParsedResponse, field TerminalField) (string, bool) {
	switch field {
	case TerminalFinalAnswer:
		if parsed.FinalAnswer != "" {
			return parsed.FinalAnswer, true
		}
	default:
		if parsed.Answer != "" {
			return parsed.Answer, true
		}
	}
	return "", false
}

func appendToolContext(sb *strings.Builder, results []tools.CallResult) {
	for _, r := range results {
		if r.Success {
			sb.WriteString(fmt.Sprintf("tool %s succeeded: %v\n", r.ToolName, truncate(fmt.Sprintf("%v", r.Result), 200)))
		} else {
			sb.WriteString(fmt.Sprintf("tool %s failed: %s\n", r.ToolName, r.Error))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
