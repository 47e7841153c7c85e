// Package llmclient talks to the external LLM/embedding provider sidecar
// over gRPC (§2 domain stack, §4.5, §4.8). The sidecar's wire contract is
// treated as a black box we don't own protoc-generated stubs for, so
// instead of fabricating hand-written .pb.go message types this package
// registers a small JSON codec with grpc-go's pluggable encoding.Codec
// mechanism and drives streams manually via ClientConn.NewStream. That
// keeps the dependency on google.golang.org/grpc genuine while never
// pretending to be generated code. See DESIGN.md for the full rationale.
//
// Grounded on tarsy's pkg/agent/llm_grpc.go (GRPCLLMClient): one
// *grpc.ClientConn, a Generate call that fans chunks out over a buffered
// channel, closing on io.EOF.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// codecName is registered once at package init time.
const codecName = "kgraphd-json"

// jsonCodec marshals/unmarshals gRPC messages as JSON instead of
// protobuf wire format. grpc-go selects codecs by name over the wire
// ("grpc-encoding" / content-subtype), so both client and sidecar must
// agree on "kgraphd-json".
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GenerateRequest is the wire shape for a chat-completion call.
type GenerateRequest struct {
	SessionID   string              `json:"sessionId"`
	ExecutionID string              `json:"executionId"`
	Messages    []Message           `json:"messages"`
	Tools       []ToolDefinition    `json:"tools,omitempty"`
	Model       string              `json:"model"`
	Temperature float32             `json:"temperature"`
	MaxTokens   int32               `json:"maxTokens"`
}

// Message is one turn of conversation sent to the provider.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}

// ToolDefinition describes one callable tool for the provider's
// function-calling surface.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SchemaJSON  string `json:"schemaJson"`
}

// Chunk is one streamed piece of a Generate response.
type Chunk struct {
	Text         string `json:"text,omitempty"`
	Done         bool   `json:"done,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	TokensUsed   int32  `json:"tokensUsed,omitempty"`
}

// EmbedRequest asks the sidecar to embed a batch of texts.
type EmbedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

// EmbedResponse returns one vector per input text, in order.
type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

const (
	generateMethod = "/kgraphd.llm.LLMService/Generate"
	embedMethod    = "/kgraphd.llm.EmbedService/Embed"
)

// Client is a thin wrapper over a grpc.ClientConn to the provider sidecar.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the sidecar at addr (e.g. "localhost:50051").
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("llmclient: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Generate opens a server-streaming call and returns a channel of Chunks,
// closed when the stream ends (successfully or not). Mirrors
// GRPCLLMClient.Generate's shape: a buffered channel fed by a background
// goroutine that loops RecvMsg until io.EOF.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (<-chan Chunk, error) {
	desc := &grpc.StreamDesc{StreamName: "Generate", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, generateMethod)
	if err != nil {
		return nil, fmt.Errorf("llmclient: open stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("llmclient: send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("llmclient: close send: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		for {
			var chunk Chunk
			err := stream.RecvMsg(&chunk)
			if err == io.EOF {
				return
			}
			if err != nil {
				ch <- Chunk{ErrorMessage: err.Error(), Retryable: isRetryable(err)}
				return
			}
			ch <- chunk
			if chunk.Done {
				return
			}
		}
	}()
	return ch, nil
}

// Embed performs a single unary call embedding a batch of texts.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	req := &EmbedRequest{Model: model, Texts: texts}
	resp := &EmbedResponse{}
	if err := c.conn.Invoke(ctx, embedMethod, req, resp); err != nil {
		return nil, fmt.Errorf("llmclient: embed: %w", err)
	}
	return resp.Vectors, nil
}

// isRetryable treats anything but a context cancellation as a transient
// upstream failure, matching §7's UpstreamUnavailable handling.
func isRetryable(err error) bool {
	return err != context.Canceled && err != context.DeadlineExceeded
}
