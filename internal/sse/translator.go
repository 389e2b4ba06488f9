package sse

import (
	"github.com/huazz233/kiro-proxy/internal/eventstream"
	"github.com/tidwall/gjson"
)

// BlockKind is the Anthropic content-block variant currently open on the
// wire, tracked so a delta frame of a different kind forces a block_stop/
// block_start pair before it is emitted.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockText
	BlockThinking
	BlockToolUse
)

// toolUseState tracks the one open tool_use block: its id and name (which
// handleToolResult matches when a web_search result arrives) and the
// partial_json fragments received so far, accumulated in input.
type toolUseState struct {
	id        string
	name      string
	isWebSearch bool
	input     []byte
}

// Translator converts decoded eventstream.Frame values into an ordered
// sequence of Anthropic SSE Events, modeled as a small state machine over
// the currently open content-block index and kind.
type Translator struct {
	messageID string
	model     string

	messageStarted bool
	blockOpen      bool
	blockKind      BlockKind
	blockIndex     int
	nextIndex      int

	tool *toolUseState

	inputTokens  int
	outputTokens int
	stopReason   string
}

func NewTranslator(messageID, model string) *Translator {
	return &Translator{messageID: messageID, model: model, blockKind: BlockNone}
}

// InputTokens returns the running input-token count observed from
// context-usage frames, used by BufferedTranslate to rewrite message_start.
func (t *Translator) InputTokens() int { return t.inputTokens }

// Model returns the model name this translator was constructed with.
func (t *Translator) Model() string { return t.model }

// eventTypeHeader is the AWS Event Stream header carrying the logical event
// name.
const eventTypeHeader = ":event-type"

// HandleFrame advances the translator by one decoded frame and returns the
// zero-or-more SSE events that frame produces. It is a pure function of the
// frame against the translator's current state.
func (t *Translator) HandleFrame(frame eventstream.Frame) []Event {
	hv, ok := frame.Headers[eventTypeHeader]
	if !ok || hv.Type != eventstream.TypeString {
		return nil
	}

	var events []Event
	if !t.messageStarted {
		events = append(events, MessageStart(t.messageID, t.model, t.inputTokens))
		t.messageStarted = true
	}

	payload := gjson.ParseBytes(frame.Payload)

	switch hv.String {
	case "text-delta", "assistantResponseEvent":
		text := payload.Get("text").String()
		if text == "" {
			text = payload.Get("content").String()
		}
		events = append(events, t.openBlock(BlockText)...)
		events = append(events, TextDelta(t.blockIndex, text))

	case "thinking-delta", "reasoningEvent":
		text := payload.Get("text").String()
		events = append(events, t.openBlock(BlockThinking)...)
		events = append(events, ThinkingDelta(t.blockIndex, text))

	case "tool-use-start", "toolUseEvent":
		name := payload.Get("name").String()
		id := payload.Get("toolUseId").String()
		events = append(events, t.closeBlock()...)
		t.blockKind = BlockToolUse
		t.blockIndex = t.nextIndex
		t.nextIndex++
		t.blockOpen = true
		t.tool = &toolUseState{id: id, name: name, isWebSearch: isWebSearchTool(name)}
		events = append(events, ContentBlockStartToolUse(t.blockIndex, id, name))

	case "tool-use-delta":
		partial := payload.Get("input").String()
		if t.tool != nil {
			t.tool.input = append(t.tool.input, partial...)
		}
		events = append(events, InputJSONDelta(t.blockIndex, partial))

	case "context-usage", "contextUsageEvent":
		if n := payload.Get("inputTokens"); n.Exists() {
			t.inputTokens = int(n.Int())
		}

	case "completion", "metadataEvent":
		t.stopReason = payload.Get("stopReason").String()
		if t.stopReason == "" {
			t.stopReason = "end_turn"
		}
		if n := payload.Get("outputTokens"); n.Exists() {
			t.outputTokens = int(n.Int())
		}

	case "tool-result", "toolResultEvent":
		events = append(events, t.handleToolResult(frame, payload)...)

	case "error", "errorEvent":
		events = append(events, t.closeBlock()...)
		events = append(events, ErrorEvent(payload.Get("message").String()))
	}

	return events
}

// Finish closes any still-open content block and emits the terminal
// message_delta/message_stop pair. Called once the upstream stream ends.
func (t *Translator) Finish() []Event {
	var events []Event
	events = append(events, t.closeBlock()...)
	stopReason := t.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	events = append(events, MessageDelta(stopReason, t.outputTokens))
	events = append(events, MessageStop())
	return events
}

func (t *Translator) openBlock(kind BlockKind) []Event {
	if t.blockOpen && t.blockKind == kind {
		return nil
	}
	var events []Event
	events = append(events, t.closeBlock()...)
	t.blockKind = kind
	t.blockIndex = t.nextIndex
	t.nextIndex++
	t.blockOpen = true
	switch kind {
	case BlockText:
		events = append(events, ContentBlockStartText(t.blockIndex))
	case BlockThinking:
		events = append(events, ContentBlockStartThinking(t.blockIndex))
	}
	return events
}

func (t *Translator) closeBlock() []Event {
	if !t.blockOpen {
		return nil
	}
	t.blockOpen = false
	t.tool = nil
	return []Event{ContentBlockStop(t.blockIndex)}
}

// isWebSearchTool recognizes the built-in web_search tool name so its
// result can be rewritten into the MCP-shaped result block.
func isWebSearchTool(name string) bool {
	return name == "web_search" || name == "WebSearch"
}
