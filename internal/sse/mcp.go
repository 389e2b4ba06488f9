package sse

import (
	"github.com/huazz233/kiro-proxy/internal/eventstream"
	"github.com/tidwall/gjson"
)

// handleToolResult synthesizes the mini-event sequence for a completed
// web_search call: Kiro returns the tool's result inline as a single frame
// rather than as a separate Anthropic-shaped server_tool_use block, so this
// rewrites it into the tool_result content block a client expects,
// independent of the tool_use block already emitted for the call itself.
func (t *Translator) handleToolResult(frame eventstream.Frame, payload gjson.Result) []Event {
	toolUseID := payload.Get("toolUseId").String()
	if t.tool == nil || t.tool.id != toolUseID || !t.tool.isWebSearch {
		return nil
	}

	var events []Event
	events = append(events, t.closeBlock()...)

	index := t.nextIndex
	t.nextIndex++

	results := payload.Get("result.results")
	var items []any
	results.ForEach(func(_, v gjson.Result) bool {
		items = append(items, map[string]any{
			"type":  "web_search_result",
			"title": v.Get("title").String(),
			"url":   v.Get("url").String(),
		})
		return true
	})

	events = append(events, Event{Name: "content_block_start", Data: ContentBlockStartBody{
		Type:  "content_block_start",
		Index: index,
		ContentBlock: map[string]any{
			"type":        "web_search_tool_result",
			"tool_use_id": toolUseID,
			"content":     items,
		},
	}})
	events = append(events, ContentBlockStop(index))
	return events
}
