// Package sse translates decoded upstream frames into Anthropic-compatible
// Server-Sent Events, including the buffered /cc/v1 variant.
package sse

import (
	"encoding/json"
	"fmt"
)

// Event is one emitted SSE event: a named type and a JSON-serializable body.
type Event struct {
	Name string
	Data any
}

// Render formats e as the on-the-wire "event: ...\ndata: ...\n\n" frame.
func (e Event) Render() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal %s event: %w", e.Name, err)
	}
	buf := make([]byte, 0, len(e.Name)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, e.Name...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}

// PingBytes is the literal wire form of a keep-alive ping (a comment line,
// not a named event, matching Anthropic's own heartbeat convention).
var PingBytes = []byte(": ping\n\n")

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type MessageStartBody struct {
	Type    string `json:"type"`
	Message struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Role    string `json:"role"`
		Model   string `json:"model"`
		Content []any  `json:"content"`
		Usage   Usage  `json:"usage"`
	} `json:"message"`
}

func MessageStart(id, model string, inputTokens int) Event {
	var body MessageStartBody
	body.Type = "message_start"
	body.Message.ID = id
	body.Message.Type = "message"
	body.Message.Role = "assistant"
	body.Message.Model = model
	body.Message.Content = []any{}
	body.Message.Usage = Usage{InputTokens: inputTokens}
	return Event{Name: "message_start", Data: body}
}

type ContentBlockStartBody struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

func ContentBlockStartText(index int) Event {
	return Event{Name: "content_block_start", Data: ContentBlockStartBody{
		Type: "content_block_start", Index: index,
		ContentBlock: map[string]any{"type": "text", "text": ""},
	}}
}

func ContentBlockStartThinking(index int) Event {
	return Event{Name: "content_block_start", Data: ContentBlockStartBody{
		Type: "content_block_start", Index: index,
		ContentBlock: map[string]any{"type": "thinking", "thinking": ""},
	}}
}

func ContentBlockStartToolUse(index int, id, name string) Event {
	return Event{Name: "content_block_start", Data: ContentBlockStartBody{
		Type: "content_block_start", Index: index,
		ContentBlock: map[string]any{"type": "tool_use", "id": id, "name": name, "input": map[string]any{}},
	}}
}

type ContentBlockDeltaBody struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

func TextDelta(index int, text string) Event {
	return Event{Name: "content_block_delta", Data: ContentBlockDeltaBody{
		Type: "content_block_delta", Index: index,
		Delta: map[string]any{"type": "text_delta", "text": text},
	}}
}

func ThinkingDelta(index int, text string) Event {
	return Event{Name: "content_block_delta", Data: ContentBlockDeltaBody{
		Type: "content_block_delta", Index: index,
		Delta: map[string]any{"type": "thinking_delta", "thinking": text},
	}}
}

func InputJSONDelta(index int, partialJSON string) Event {
	return Event{Name: "content_block_delta", Data: ContentBlockDeltaBody{
		Type: "content_block_delta", Index: index,
		Delta: map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
	}}
}

type ContentBlockStopBody struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func ContentBlockStop(index int) Event {
	return Event{Name: "content_block_stop", Data: ContentBlockStopBody{Type: "content_block_stop", Index: index}}
}

type MessageDeltaBody struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

func MessageDelta(stopReason string, outputTokens int) Event {
	var body MessageDeltaBody
	body.Type = "message_delta"
	body.Delta.StopReason = stopReason
	body.Usage = Usage{OutputTokens: outputTokens}
	return Event{Name: "message_delta", Data: body}
}

func MessageStop() Event {
	return Event{Name: "message_stop", Data: map[string]any{"type": "message_stop"}}
}

func ErrorEvent(message string) Event {
	return Event{Name: "error", Data: map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	}}
}
