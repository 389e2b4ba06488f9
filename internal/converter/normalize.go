package converter

import "encoding/json"

// normalize applies the message-list transformations: system-prompt
// flattening, orphaned tool_use removal, the "OK" placeholder, and the
// compression pipeline, in that order.
func normalize(req AnthropicRequest, compress CompressionOptions) (AnthropicRequest, error) {
	system, err := normalizeSystem(req.System)
	if err != nil {
		return req, err
	}
	if system != "" {
		req.System = mustJSON(system)
	}

	messages, err := decodeMessages(req.Messages)
	if err != nil {
		return req, err
	}

	messages = dropOrphanedToolUse(messages)
	messages = injectOKPlaceholder(messages)
	messages = Compress(messages, compress)

	encoded, err := encodeMessages(messages)
	if err != nil {
		return req, err
	}
	req.Messages = encoded
	return req, nil
}

// normalizeSystem collapses system (string | array of text blocks) into a
// single string. A bare string is returned unchanged; an empty/absent
// system returns "".
func normalizeSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", err
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			out += b.Text
		}
	}
	return out, nil
}

// decodedMessage is a message with its content already parsed into blocks,
// the working representation the transformation passes operate on.
type decodedMessage struct {
	role    string
	blocks  []ContentBlock
	isPlain bool // content was a bare string, not a block array
	plain   string
}

func decodeMessages(msgs []AnthropicMessage) ([]decodedMessage, error) {
	out := make([]decodedMessage, 0, len(msgs))
	for _, m := range msgs {
		dm := decodedMessage{role: m.Role}
		var asString string
		if err := json.Unmarshal(m.Content, &asString); err == nil {
			dm.isPlain = true
			dm.plain = asString
			out = append(out, dm)
			continue
		}
		var blocks []ContentBlock
		if len(m.Content) > 0 {
			if err := json.Unmarshal(m.Content, &blocks); err != nil {
				return nil, err
			}
		}
		dm.blocks = blocks
		out = append(out, dm)
	}
	return out, nil
}

func encodeMessages(msgs []decodedMessage) ([]AnthropicMessage, error) {
	out := make([]AnthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		var content json.RawMessage
		var err error
		if m.isPlain {
			content, err = json.Marshal(m.plain)
		} else {
			content, err = json.Marshal(m.blocks)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, AnthropicMessage{Role: m.role, Content: content})
	}
	return out, nil
}

// dropOrphanedToolUse removes assistant tool_use blocks that have no
// matching tool_result in a later message, since Kiro requires pairing.
func dropOrphanedToolUse(msgs []decodedMessage) []decodedMessage {
	paired := make(map[string]bool)
	for _, m := range msgs {
		if m.isPlain {
			continue
		}
		for _, b := range m.blocks {
			if b.Type == "tool_result" && b.ToolUseID != "" {
				paired[b.ToolUseID] = true
			}
		}
	}
	for i := range msgs {
		if msgs[i].isPlain {
			continue
		}
		kept := msgs[i].blocks[:0]
		for _, b := range msgs[i].blocks {
			if b.Type == "tool_use" && !paired[b.ID] {
				continue
			}
			kept = append(kept, b)
		}
		msgs[i].blocks = kept
	}
	return msgs
}

// injectOKPlaceholder gives an assistant message that ended up with only
// tool_use blocks (and no text) a placeholder text block, since Kiro expects
// assistant turns to carry some text.
func injectOKPlaceholder(msgs []decodedMessage) []decodedMessage {
	for i := range msgs {
		if msgs[i].role != "assistant" || msgs[i].isPlain {
			continue
		}
		hasText := false
		hasToolUse := false
		for _, b := range msgs[i].blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					hasText = true
				}
			case "tool_use":
				hasToolUse = true
			}
		}
		if hasToolUse && !hasText {
			msgs[i].blocks = append([]ContentBlock{{Type: "text", Text: "OK"}}, msgs[i].blocks...)
		}
	}
	return msgs
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
