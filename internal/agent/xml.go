package agent

import (
	"encoding/xml"
	"strings"
)

// rawItem is the wire shape of one <item id="k">...</item> element inside
// a <tool_calls> block. Providers (Gemini in particular) sometimes repeat
// the same id across multiple <item> blocks, splitting one logical tool
// call's fields across them; mergeItemsByID folds those back together,
// first-value-wins per field (§9's id-merge note, §4.8 step 3).
type rawItem struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name"`
	Args string `xml:"args"`
}

type rawOutput struct {
	XMLName   xml.Name   `xml:"response"`
	Reasoning string     `xml:"reasoning"`
	Output    string     `xml:"output"`
	Answer    string     `xml:"answer"`
	FinalAnswer string   `xml:"final_answer"`
	ToolCalls []rawItem  `xml:"tool_calls>item"`
}

// ParsedResponse is the decoded, id-merged form of one LLM turn.
type ParsedResponse struct {
	Reasoning   string
	Output      string
	Answer      string
	FinalAnswer string
	ToolCalls   []RequestedToolCall
}

// RequestedToolCall is one tool call the model asked for, after id-merge.
type RequestedToolCall struct {
	ID        string
	ToolName  string
	ArgsJSON  string
}

// ParseResponse decodes raw XML text into a ParsedResponse, merging
// repeated-id <item> elements by id, first-non-empty-value-wins per
// field.
func ParseResponse(text string) (ParsedResponse, error) {
	var raw rawOutput
	if err := xml.Unmarshal([]byte(extractXML(text)), &raw); err != nil {
		return ParsedResponse{}, err
	}

	merged := mergeItemsByID(raw.ToolCalls)
	return ParsedResponse{
		Reasoning:   strings.TrimSpace(raw.Reasoning),
		Output:      strings.TrimSpace(raw.Output),
		Answer:      strings.TrimSpace(raw.Answer),
		FinalAnswer: strings.TrimSpace(raw.FinalAnswer),
		ToolCalls:   merged,
	}, nil
}

// extractXML trims any prose a provider wraps around the XML payload,
// keeping only the outermost <response>...</response> span.
func extractXML(text string) string {
	start := strings.Index(text, "<response")
	end := strings.LastIndex(text, "</response>")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+len("</response>")]
}

func mergeItemsByID(items []rawItem) []RequestedToolCall {
	order := make([]string, 0, len(items))
	byID := make(map[string]*RequestedToolCall)

	for _, it := range items {
		id := it.ID
		if id == "" {
			id = it.Name
		}
		existing, ok := byID[id]
		if !ok {
			existing = &RequestedToolCall{ID: id}
			byID[id] = existing
			order = append(order, id)
		}
		if existing.ToolName == "" && it.Name != "" {
			existing.ToolName = it.Name
		}
		if existing.ArgsJSON == "" && it.Args != "" {
			existing.ArgsJSON = it.Args
		}
	}

	out := make([]RequestedToolCall, 0, len(order))
	for _, id := range order {
		tc := byID[id]
		if tc.ToolName == "" {
			continue
		}
		out = append(out, *tc)
	}
	return out
}
