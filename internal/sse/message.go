package sse

import (
	"encoding/json"
	"io"

	"github.com/huazz233/kiro-proxy/internal/eventstream"
)

// assembledBlock folds a start/delta*/stop event run back into one complete
// content block for the non-streaming response body.
type assembledBlock struct {
	kind       string
	text       string
	thinking   string
	toolID     string
	toolName   string
	toolJSON   string
	toolUseID  string // web_search_tool_result back-reference
	webContent []any  // web_search_tool_result items, complete at block start
}

// AssembleMessage consumes the full upstream framed stream and returns the
// complete non-streaming Anthropic message body: the inverse of the
// streaming translation, folded over the same event sequence so both paths
// share one ordering and block-numbering implementation.
func AssembleMessage(body io.Reader, dec *eventstream.Decoder, tr *Translator) ([]byte, error) {
	var events []Event
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			frames, err := dec.Feed(buf[:n])
			if err != nil {
				return nil, err
			}
			for _, f := range frames {
				events = append(events, tr.HandleFrame(f)...)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return nil, readErr
			}
			break
		}
	}
	events = append(events, tr.Finish()...)
	return foldEvents(events, tr)
}

func foldEvents(events []Event, tr *Translator) ([]byte, error) {
	var blocks []*assembledBlock
	var current *assembledBlock
	stopReason := "end_turn"
	outputTokens := 0

	for _, ev := range events {
		switch ev.Name {
		case "content_block_start":
			body := ev.Data.(ContentBlockStartBody)
			cb, _ := body.ContentBlock.(map[string]any)
			current = &assembledBlock{kind: asString(cb["type"])}
			switch current.kind {
			case "tool_use":
				current.toolID = asString(cb["id"])
				current.toolName = asString(cb["name"])
			case "web_search_tool_result":
				current.toolUseID = asString(cb["tool_use_id"])
				current.webContent, _ = cb["content"].([]any)
			}
			blocks = append(blocks, current)
		case "content_block_delta":
			if current == nil {
				continue
			}
			body := ev.Data.(ContentBlockDeltaBody)
			delta, _ := body.Delta.(map[string]any)
			switch asString(delta["type"]) {
			case "text_delta":
				current.text += asString(delta["text"])
			case "thinking_delta":
				current.thinking += asString(delta["thinking"])
			case "input_json_delta":
				current.toolJSON += asString(delta["partial_json"])
			}
		case "content_block_stop":
			current = nil
		case "message_delta":
			body := ev.Data.(MessageDeltaBody)
			stopReason = body.Delta.StopReason
			outputTokens = body.Usage.OutputTokens
		}
	}

	content := make([]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.kind {
		case "text":
			content = append(content, map[string]any{"type": "text", "text": b.text})
		case "thinking":
			content = append(content, map[string]any{"type": "thinking", "thinking": b.thinking})
		case "tool_use":
			var input any = map[string]any{}
			if b.toolJSON != "" {
				if err := json.Unmarshal([]byte(b.toolJSON), &input); err != nil {
					input = map[string]any{}
				}
			}
			content = append(content, map[string]any{
				"type": "tool_use", "id": b.toolID, "name": b.toolName, "input": input,
			})
		case "web_search_tool_result":
			items := b.webContent
			if items == nil {
				items = []any{}
			}
			content = append(content, map[string]any{
				"type":        "web_search_tool_result",
				"tool_use_id": b.toolUseID,
				"content":     items,
			})
		}
	}

	return json.Marshal(map[string]any{
		"id":          tr.messageID,
		"type":        "message",
		"role":        "assistant",
		"model":       tr.model,
		"content":     content,
		"stop_reason": stopReason,
		"usage": Usage{
			InputTokens:  tr.InputTokens(),
			OutputTokens: outputTokens,
		},
	})
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
