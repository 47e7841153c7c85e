// Package conversation implements ConversationStore (§4.9): graph-resident
// conversations, messages, tool calls, and hierarchical summaries, with
// per-conversation serialization so totalChars accumulation and summary
// triggering stay linearizable.
//
// Grounded on tarsy's pkg/mcp.Client.reinitMu (sync.Map of per-entity
// mutexes) generalized to per-conversation locking, and on the same
// repo's llm_client.go role/message shape for ConversationMessage.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kgraphd/kgraphd/internal/graphstore"
)

// Role mirrors tarsy's ConversationMessage role constants.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one stored turn.
type Message struct {
	UUID           string
	ConversationID string
	Role           Role
	Content        string
	Reasoning      string
	Timestamp      time.Time
	CharCount      int
	ToolCalls      []ToolCall
}

// ToolCall is one recorded tool invocation within a message.
type ToolCall struct {
	UUID        string
	MessageID   string
	ToolName    string
	Arguments   string
	StartedAt   time.Time
	DurationMs  int64
	Success     bool
	Iteration   int
	Result      string
}

// Summary is one hierarchical summary node (§3, §4.9).
type Summary struct {
	UUID               string
	ConversationID     string
	Level              int
	CharRangeStart      int
	CharRangeEnd        int
	SummaryCharCount    int
	ConversationSummary string
	ActionsSummary      string
	ParentSummaries     []string
	CreatedAt           time.Time
}

// SummaryTrigger tunes the per-level char trigger (§4.9).
type SummaryTrigger struct {
	CharsPerLevel int // default 10000
	MaxLevel      int // default 3
}

func (s *SummaryTrigger) setDefaults() {
	if s.CharsPerLevel <= 0 {
		s.CharsPerLevel = 10000
	}
	if s.MaxLevel <= 0 {
		s.MaxLevel = 3
	}
}

// Summarizer produces the two short summary fields from a span of text,
// backed by the LLM provider.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (conversationSummary, actionsSummary string, err error)
}

// Store is the ConversationStore.
type Store struct {
	graph      *graphstore.Store
	summarizer Summarizer
	trigger    SummaryTrigger

	convMu sync.Map // conversationID -> *sync.Mutex
}

// New constructs a Store.
func New(graph *graphstore.Store, summarizer Summarizer, trigger SummaryTrigger) *Store {
	trigger.setDefaults()
	return &Store{graph: graph, summarizer: summarizer, trigger: trigger}
}

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	v, _ := s.convMu.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateConversation registers a new conversation node.
func (s *Store) CreateConversation(ctx context.Context, title string, tags []string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	row := graphstore.Row{
		"uuid":         id,
		"title":        title,
		"tags":         tags,
		"createdAt":    now,
		"updatedAt":    now,
		"messageCount": 0,
		"totalChars":   0,
		"status":       "active",
	}
	if err := s.graph.UpsertNodes(ctx, "Conversation", "uuid", []graphstore.Row{row}); err != nil {
		return "", fmt.Errorf("conversation: create: %w", err)
	}
	return id, nil
}

// AppendMessage stores one message (and its tool calls) under the
// conversation's mutex, updates totalChars/messageCount, and triggers
// hierarchical summarization afterward (§4.9's "after message storage"
// ordering).
func (s *Store) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	mu := s.lockFor(msg.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.CharCount = len(msg.Content)

	row := graphstore.Row{
		"uuid":           msg.UUID,
		"conversationId": msg.ConversationID,
		"role":           string(msg.Role),
		"content":        msg.Content,
		"reasoning":      msg.Reasoning,
		"timestamp":      msg.Timestamp,
		"charCount":      msg.CharCount,
	}
	if err := s.graph.UpsertNodes(ctx, "Message", "uuid", []graphstore.Row{row}); err != nil {
		return Message{}, fmt.Errorf("conversation: append message: %w", err)
	}
	if err := s.graph.UpsertEdges(ctx, "HAS_MESSAGE",
		graphstore.LabelKey{Label: "Conversation", KeyField: "uuid"},
		graphstore.LabelKey{Label: "Message", KeyField: "uuid"},
		[]graphstore.Row{{"from": msg.ConversationID, "to": msg.UUID}},
	); err != nil {
		return Message{}, fmt.Errorf("conversation: link message: %w", err)
	}

	if len(msg.ToolCalls) > 0 {
		if err := s.storeToolCalls(ctx, msg.UUID, msg.ToolCalls); err != nil {
			return Message{}, err
		}
	}

	total, count, err := s.bumpCounters(ctx, msg.ConversationID, msg.CharCount)
	if err != nil {
		return Message{}, err
	}

	if err := s.maybeSummarize(ctx, msg.ConversationID, total); err != nil {
		// Summarization failures must not lose the message that triggered
		// them; surface but don't roll back the append.
		return msg, fmt.Errorf("conversation: summarize after append (message stored, count=%d): %w", count, err)
	}
	return msg, nil
}

func (s *Store) storeToolCalls(ctx context.Context, messageID string, calls []ToolCall) error {
	rows := make([]graphstore.Row, len(calls))
	for i, tc := range calls {
		if tc.UUID == "" {
			tc.UUID = uuid.NewString()
		}
		rows[i] = graphstore.Row{
			"uuid":       tc.UUID,
			"messageId":  messageID,
			"toolName":   tc.ToolName,
			"arguments":  tc.Arguments,
			"startedAt":  tc.StartedAt,
			"durationMs": tc.DurationMs,
			"success":    tc.Success,
			"iteration":  tc.Iteration,
			"result":     tc.Result,
		}
	}
	if err := s.graph.UpsertNodes(ctx, "ToolCall", "uuid", rows); err != nil {
		return fmt.Errorf("conversation: store tool calls: %w", err)
	}
	edgeRows := make([]graphstore.Row, len(rows))
	for i, r := range rows {
		edgeRows[i] = graphstore.Row{"from": messageID, "to": r["uuid"]}
	}
	return s.graph.UpsertEdges(ctx, "HAS_TOOL_CALL",
		graphstore.LabelKey{Label: "Message", KeyField: "uuid"},
		graphstore.LabelKey{Label: "ToolCall", KeyField: "uuid"},
		edgeRows,
	)
}

// bumpCounters updates messageCount/totalChars and returns the new total,
// keeping the totalChars = Σ charCount(messages) invariant (§4.9).
func (s *Store) bumpCounters(ctx context.Context, conversationID string, deltaChars int) (total, count int, err error) {
	res, err := s.graph.Run(ctx, `
MATCH (c:Conversation {uuid: $id})
SET c.totalChars = coalesce(c.totalChars, 0) + $delta,
    c.messageCount = coalesce(c.messageCount, 0) + 1,
    c.updatedAt = $now
RETURN c.totalChars AS totalChars, c.messageCount AS messageCount`,
		map[string]any{"id": conversationID, "delta": deltaChars, "now": time.Now()})
	if err != nil {
		return 0, 0, fmt.Errorf("conversation: bump counters: %w", err)
	}
	if len(res.Records) == 0 {
		return deltaChars, 1, nil
	}
	total, _ = res.Records[0].Values["totalChars"].(int)
	count, _ = res.Records[0].Values["messageCount"].(int)
	return total, count, nil
}

// maybeSummarize runs the hierarchical trigger check level by level,
// L1 upward, stopping at the first level that doesn't trigger (§4.9:
// "as many levels as rule-triggered, L1→Lmax").
func (s *Store) maybeSummarize(ctx context.Context, conversationID string, totalChars int) error {
	for level := 1; level <= s.trigger.MaxLevel; level++ {
		triggered, err := s.summarizeLevel(ctx, conversationID, level)
		if err != nil {
			return err
		}
		if !triggered {
			return nil
		}
	}
	return nil
}

func (s *Store) summarizeLevel(ctx context.Context, conversationID string, level int) (bool, error) {
	highWaterMark, err := s.highestCharRangeEnd(ctx, conversationID, level)
	if err != nil {
		return false, err
	}

	var streamTotal int
	var spanText string
	var sourceUUIDs []string
	if level == 1 {
		streamTotal, spanText, sourceUUIDs, err = s.messageSpan(ctx, conversationID, highWaterMark)
	} else {
		streamTotal, spanText, sourceUUIDs, err = s.summarySpan(ctx, conversationID, level-1, highWaterMark)
	}
	if err != nil {
		return false, err
	}

	if streamTotal-highWaterMark < s.trigger.CharsPerLevel {
		return false, nil
	}
	if spanText == "" {
		return false, nil
	}

	convSummary, actionsSummary, err := s.summarizer.Summarize(ctx, spanText)
	if err != nil {
		return false, fmt.Errorf("conversation: summarize level %d: %w", level, err)
	}

	sum := Summary{
		UUID:                uuid.NewString(),
		ConversationID:      conversationID,
		Level:               level,
		CharRangeStart:      highWaterMark,
		CharRangeEnd:        streamTotal,
		ConversationSummary: convSummary,
		ActionsSummary:      actionsSummary,
		ParentSummaries:     sourceUUIDs,
		CreatedAt:           time.Now(),
	}
	sum.SummaryCharCount = len(sum.ConversationSummary) + len(sum.ActionsSummary)

	row := graphstore.Row{
		"uuid":                sum.UUID,
		"conversationId":      sum.ConversationID,
		"level":               sum.Level,
		"charRangeStart":      sum.CharRangeStart,
		"charRangeEnd":        sum.CharRangeEnd,
		"summaryCharCount":    sum.SummaryCharCount,
		"conversationSummary": sum.ConversationSummary,
		"actionsSummary":      sum.ActionsSummary,
		"createdAt":           sum.CreatedAt,
		"dirty":               true,
	}
	if level > 1 {
		row["parentSummaries"] = sum.ParentSummaries
	}
	if err := s.graph.UpsertNodes(ctx, "Summary", "uuid", []graphstore.Row{row}); err != nil {
		return false, fmt.Errorf("conversation: store summary: %w", err)
	}
	if err := s.graph.UpsertEdges(ctx, "SUMMARIZES",
		graphstore.LabelKey{Label: "Conversation", KeyField: "uuid"},
		graphstore.LabelKey{Label: "Summary", KeyField: "uuid"},
		[]graphstore.Row{{"from": conversationID, "to": sum.UUID}},
	); err != nil {
		return false, fmt.Errorf("conversation: link summary: %w", err)
	}
	return true, nil
}

func (s *Store) highestCharRangeEnd(ctx context.Context, conversationID string, level int) (int, error) {
	res, err := s.graph.Run(ctx, `
MATCH (:Conversation {uuid: $id})-[:SUMMARIZES]->(s:Summary {level: $level})
RETURN s.charRangeEnd AS end ORDER BY s.charRangeEnd DESC LIMIT 1`,
		map[string]any{"id": conversationID, "level": level})
	if err != nil {
		return 0, fmt.Errorf("conversation: highest char range: %w", err)
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	end, _ := res.Records[0].Values["end"].(int)
	return end, nil
}

func (s *Store) messageSpan(ctx context.Context, conversationID string, afterChars int) (total int, text string, sourceUUIDs []string, err error) {
	res, err := s.graph.Run(ctx, `
MATCH (c:Conversation {uuid: $id})-[:HAS_MESSAGE]->(m:Message)
RETURN m.uuid AS uuid, m.role AS role, m.content AS content, m.charCount AS charCount, m.timestamp AS timestamp
ORDER BY m.timestamp ASC`, map[string]any{"id": conversationID})
	if err != nil {
		return 0, "", nil, fmt.Errorf("conversation: message span: %w", err)
	}

	var running int
	var lines []string
	for _, rec := range res.Records {
		charCount, _ := rec.Values["charCount"].(int)
		prevRunning := running
		running += charCount
		if running <= afterChars {
			continue
		}
		role, _ := rec.Values["role"].(string)
		content, _ := rec.Values["content"].(string)
		uid, _ := rec.Values["uuid"].(string)
		_ = prevRunning
		lines = append(lines, fmt.Sprintf("%s: %s", role, content))
		sourceUUIDs = append(sourceUUIDs, uid)
	}
	return running, joinLines(lines), sourceUUIDs, nil
}

func (s *Store) summarySpan(ctx context.Context, conversationID string, level, afterChars int) (total int, text string, sourceUUIDs []string, err error) {
	res, err := s.graph.Run(ctx, `
MATCH (c:Conversation {uuid: $id})-[:SUMMARIZES]->(s:Summary {level: $level})
RETURN s.uuid AS uuid, s.conversationSummary AS conversationSummary, s.summaryCharCount AS summaryCharCount, s.charRangeEnd AS charRangeEnd
ORDER BY s.charRangeEnd ASC`, map[string]any{"id": conversationID, "level": level})
	if err != nil {
		return 0, "", nil, fmt.Errorf("conversation: summary span: %w", err)
	}

	var running int
	var lines []string
	for _, rec := range res.Records {
		charCount, _ := rec.Values["summaryCharCount"].(int)
		running += charCount
		if running <= afterChars {
			continue
		}
		content, _ := rec.Values["conversationSummary"].(string)
		uid, _ := rec.Values["uuid"].(string)
		lines = append(lines, content)
		sourceUUIDs = append(sourceUUIDs, uid)
	}
	return running, joinLines(lines), sourceUUIDs, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// RecentMessages returns messages newest-first, trimmed to maxChars total
// content and maxTurns count, then reversed to chronological order
// (§4.9's Recent context rule).
func (s *Store) RecentMessages(ctx context.Context, conversationID string, maxChars, maxTurns int) ([]Message, error) {
	res, err := s.graph.Run(ctx, `
MATCH (c:Conversation {uuid: $id})-[:HAS_MESSAGE]->(m:Message)
RETURN m.uuid AS uuid, m.role AS role, m.content AS content, m.reasoning AS reasoning, m.timestamp AS timestamp, m.charCount AS charCount
ORDER BY m.timestamp DESC`, map[string]any{"id": conversationID})
	if err != nil {
		return nil, fmt.Errorf("conversation: recent messages: %w", err)
	}

	var out []Message
	var chars int
	for _, rec := range res.Records {
		if len(out) >= maxTurns {
			break
		}
		charCount, _ := rec.Values["charCount"].(int)
		if chars+charCount > maxChars && len(out) > 0 {
			break
		}
		role, _ := rec.Values["role"].(string)
		content, _ := rec.Values["content"].(string)
		reasoning, _ := rec.Values["reasoning"].(string)
		uid, _ := rec.Values["uuid"].(string)
		ts, _ := rec.Values["timestamp"].(time.Time)
		out = append(out, Message{UUID: uid, ConversationID: conversationID, Role: Role(role), Content: content, Reasoning: reasoning, Timestamp: ts, CharCount: charCount})
		chars += charCount
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
