package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseBasic(t *testing.T) {
	text := `<response><reasoning>thinking</reasoning><answer>42</answer></response>`
	resp, err := ParseResponse(text)
	require.NoError(t, err)
	assert.Equal(t, "thinking", resp.Reasoning)
	assert.Equal(t, "42", resp.Answer)
	assert.Empty(t, resp.ToolCalls)
}

func TestParseResponseStripsSurroundingProse(t *testing.T) {
	text := "Sure, here you go:\n<response><answer>ok</answer></response>\nHope that helps!"
	resp, err := ParseResponse(text)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Answer)
}

func TestMergeItemsByIDFoldsRepeatedIDs(t *testing.T) {
	items := []rawItem{
		{ID: "1", Name: "brain_search"},
		{ID: "1", Args: `{"query":"foo"}`},
		{ID: "2", Name: "read_content", Args: `{"path":"a.go"}`},
	}
	merged := mergeItemsByID(items)
	require.Len(t, merged, 2)
	assert.Equal(t, "brain_search", merged[0].ToolName)
	assert.Equal(t, `{"query":"foo"}`, merged[0].ArgsJSON)
	assert.Equal(t, "read_content", merged[1].ToolName)
}

func TestMergeItemsByIDDropsItemsMissingAName(t *testing.T) {
	items := []rawItem{{ID: "1", Args: `{"a":1}`}}
	merged := mergeItemsByID(items)
	assert.Empty(t, merged)
}

func TestMergeItemsByIDFirstValueWins(t *testing.T) {
	items := []rawItem{
		{ID: "1", Name: "tool_a"},
		{ID: "1", Name: "tool_b"},
	}
	merged := mergeItemsByID(items)
	require.Len(t, merged, 1)
	assert.Equal(t, "tool_a", merged[0].ToolName)
}
