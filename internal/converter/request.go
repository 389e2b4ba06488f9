// Package converter translates between the Anthropic message format clients
// send and the Kiro payload envelope the upstream API expects, and back.
package converter

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// AnthropicRequest is the subset of the client request body this package
// needs to normalize and compress; fields not listed here are dropped when
// the request is decoded into this struct and re-encoded.
type AnthropicRequest struct {
	Model     string            `json:"model"`
	System    json.RawMessage   `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Tools     json.RawMessage   `json:"tools,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one entry of a message's content array, covering every
// block kind this package inspects (text, tool_use, tool_result, thinking).
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Options carries the per-request knobs the converter needs beyond the
// request body itself: the selected credential's profile ARN and the
// origin to try (AI_EDITOR first, CLI retried on 429).
type Options struct {
	ProfileArn string
	Origin     string
	Compress   CompressionOptions
}

// ToKiroPayload converts a client request into the Kiro envelope: normalize
// the system prompt, drop orphaned tool_use blocks, inject an "OK"
// placeholder where needed, apply the compression pipeline, map the model
// name, and wrap the result in Kiro's conversationState envelope.
func ToKiroPayload(body []byte, opts Options) ([]byte, error) {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	normalized, err := normalize(req, opts.Compress)
	if err != nil {
		return nil, err
	}
	normalized.Model = MapModel(normalized.Model)

	currentMessage, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}

	origin := opts.Origin
	if origin == "" {
		origin = "AI_EDITOR"
	}

	payload, err := sjson.SetRawBytes(nil, "conversationState.currentMessage", currentMessage)
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "conversationState.chatTriggerType", "MANUAL")
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "source", "FeatureDev")
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "origin", origin)
	if err != nil {
		return nil, err
	}
	if opts.ProfileArn != "" {
		payload, err = sjson.SetBytes(payload, "profileArn", opts.ProfileArn)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}
