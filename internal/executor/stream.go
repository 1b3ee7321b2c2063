package executor

import (
	"encoding/json"
	"strings"

	"github.com/zulandar/signalbox/internal/event"
)

// streamEvent is used for initial type dispatch on stream-json lines.
type streamEvent struct {
	Type string `json:"type"`
}

// assistantEvent extracts message content from assistant events. Each
// assistant event carries the complete message content so far, which is what
// makes downstream token coalescing last-write-wins rather than additive.
type assistantEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// userEvent extracts tool results relayed back to the model.
type userEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// resultEvent marks the end of one execution.
type resultEvent struct {
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// contentBlock is one block inside a message's content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// streamParser turns claude stream-json lines into executor events. It
// tracks the accumulated assistant text so every emitted Token event carries
// the full text so far.
type streamParser struct {
	text strings.Builder
}

// parseLine decodes one stream-json line into zero or more events. Lines
// that are not JSON objects or have unknown types are skipped.
func (p *streamParser) parseLine(line string) []event.Event {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil
	}

	var head streamEvent
	if err := json.Unmarshal([]byte(line), &head); err != nil {
		return nil
	}

	switch head.Type {
	case "assistant":
		var a assistantEvent
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil
		}
		return p.assistantEvents(a)
	case "user":
		var u userEvent
		if err := json.Unmarshal([]byte(line), &u); err != nil {
			return nil
		}
		return toolResultEvents(u)
	case "result":
		var r resultEvent
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil
		}
		if r.IsError {
			return []event.Event{event.Error{Message: r.Result}}
		}
		return []event.Event{event.ExecutionComplete{StopReason: r.Subtype}}
	}
	return nil
}

// assistantEvents emits tool calls and, when text grew, a cumulative Token.
func (p *streamParser) assistantEvents(a assistantEvent) []event.Event {
	var out []event.Event
	grew := false
	for _, block := range a.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				p.text.WriteString(block.Text)
				grew = true
			}
		case "tool_use":
			out = append(out, event.ToolCall{
				Tool:   block.Name,
				CallID: block.ID,
				Args:   block.Input,
			})
		}
	}
	if grew {
		out = append(out, event.Token{Content: p.text.String()})
	}
	return out
}

// toolResultEvents extracts tool_result blocks from a user event.
func toolResultEvents(u userEvent) []event.Event {
	var out []event.Event
	for _, block := range u.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, event.ToolResult{
			CallID:  block.ToolUseID,
			Result:  flattenContent(block.Content),
			IsError: block.IsError,
		})
	}
	return out
}

// flattenContent renders a tool_result content value (string or block array)
// as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
