package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &GenerateRequest{
		SessionID: "s1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		Model:     "gemini-test",
	}
	data, err := c.Marshal(req)
	require.NoError(t, err)

	var out GenerateRequest
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, req.SessionID, out.SessionID)
	assert.Equal(t, req.Messages, out.Messages)
	assert.Equal(t, codecName, c.Name())
}

func TestIsRetryableExcludesCancellation(t *testing.T) {
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.True(t, isRetryable(assertErr("upstream down")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestDialProducesUsableClient(t *testing.T) {
	// grpc.NewClient is lazy: it never actually connects until an RPC is
	// issued, so Dial against an arbitrary target succeeds without a
	// listener, matching GRPCLLMClient.NewGRPCLLMClient's construction.
	c, err := Dial("localhost:0")
	require.NoError(t, err)
	defer c.Close()
	assert.NotNil(t, c.conn)
}
