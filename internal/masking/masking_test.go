package masking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestRedactor() *Redactor {
	return New(DefaultMaskers())
}

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	r := newTestRedactor()
	out := r.Sanitize(map[string]any{
		"password":  "hunter2",
		"api_key":   "sk-abc",
		"authToken": "xyz",
		"username":  "bob",
	})
	assert.Equal(t, "***REDACTED***", out["password"])
	assert.Equal(t, "***REDACTED***", out["api_key"])
	assert.Equal(t, "***REDACTED***", out["authToken"])
	assert.Equal(t, "bob", out["username"])
}

func TestSanitizeTruncatesLongStrings(t *testing.T) {
	r := newTestRedactor()
	long := strings.Repeat("x", 500)
	out := r.Sanitize(map[string]any{"content": long})
	got := out["content"].(string)
	assert.True(t, len(got) < len(long))
	assert.Contains(t, got, "more chars")
}

func TestSanitizeTruncatesLongArrays(t *testing.T) {
	r := newTestRedactor()
	items := make([]any, 20)
	for i := range items {
		items[i] = i
	}
	out := r.Sanitize(map[string]any{"items": items})
	got := out["items"].([]any)
	assert.Len(t, got, maxArrayLen+1)
}

func TestSanitizeLimitsDepth(t *testing.T) {
	r := newTestRedactor()
	nested := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"d": "too deep",
				},
			},
		},
	}
	out := r.Sanitize(nested)
	a := out["a"].(map[string]any)
	b := a["b"].(map[string]any)
	c := b["c"].(map[string]any)
	assert.Equal(t, "***TRUNCATED(depth)***", c["d"])
}
