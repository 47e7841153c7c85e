package agent

import (
	"context"
	"testing"

	"github.com/kgraphd/kgraphd/internal/lockregistry"
	"github.com/kgraphd/kgraphd/internal/masking"
	"github.com/kgraphd/kgraphd/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	responses []string
	i         int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	r := f.responses[f.i]
	if f.i < len(f.responses)-1 {
		f.i++
	}
	return r, nil
}

type memAudit struct {
	entries []AuditEntry
}

func (m *memAudit) Append(e AuditEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func newTestRegistry() *tools.Registry {
	return tools.New(lockregistry.New(), masking.New(masking.DefaultMaskers()))
}

func TestRunReturnsAnswerImmediately(t *testing.T) {
	llm := &fakeLLM{responses: []string{`<response><answer>42</answer></response>`}}
	audit := &memAudit{}
	loop := New(llm, newTestRegistry(), nil, audit)

	result, err := loop.Run(context.Background(), ExecutionContext{Task: "what is the answer"})
	require.NoError(t, err)
	assert.Equal(t, "42", result.FinalOutput)
	assert.Len(t, result.Iterations, 1)
	assert.NotEmpty(t, audit.entries)
}

func TestRunStopsWhenNoValidToolCalls(t *testing.T) {
	llm := &fakeLLM{responses: []string{`<response><output>just some prose, no tools, no answer tag</output></response>`}}
	loop := New(llm, newTestRegistry(), nil, &memAudit{})

	result, err := loop.Run(context.Background(), ExecutionContext{Task: "ramble"})
	require.NoError(t, err)
	assert.Equal(t, "just some prose, no tools, no answer tag", result.FinalOutput)
}

func TestRunDispatchesToolCallsAndContinues(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(tools.Definition{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return "echoed", nil
	})

	llm := &fakeLLM{responses: []string{
		`<response><tool_calls><item id="1"><name>echo</name><args>{}</args></item></tool_calls></response>`,
		`<response><answer>done</answer></response>`,
	}}
	loop := New(llm, registry, nil, &memAudit{})

	result, err := loop.Run(context.Background(), ExecutionContext{Task: "use a tool"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.FinalOutput)
	require.Len(t, result.Iterations, 2)
	require.Len(t, result.Iterations[0].ToolResults, 1)
	assert.True(t, result.Iterations[0].ToolResults[0].Success)
}

func TestRunForcesConclusionAfterMaxIterations(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(tools.Definition{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return "echoed", nil
	})
	loopingResponse := `<response><tool_calls><item id="1"><name>echo</name><args>{}</args></item></tool_calls></response>`
	llm := &fakeLLM{responses: []string{loopingResponse}}
	loop := New(llm, registry, nil, &memAudit{})

	result, err := loop.Run(context.Background(), ExecutionContext{Task: "loop forever", MaxIterations: 2})
	require.NoError(t, err)
	assert.Len(t, result.Iterations, 2)
	assert.NotEmpty(t, result.FinalOutput)
}
