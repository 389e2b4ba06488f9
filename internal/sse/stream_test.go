package sse

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/huazz233/kiro-proxy/internal/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireStringHeader(name, value string) []byte {
	out := []byte{byte(len(name))}
	out = append(out, name...)
	out = append(out, byte(eventstream.TypeString))
	ln := make([]byte, 2)
	binary.BigEndian.PutUint16(ln, uint16(len(value)))
	out = append(out, ln...)
	out = append(out, value...)
	return out
}

func wireFrame(eventType string, payload string) []byte {
	headers := wireStringHeader(":event-type", eventType)
	payloadBytes := []byte(payload)
	const preludeSize, preludeCRCSize, messageCRCSize = 8, 4, 4

	totalLen := uint32(preludeSize + preludeCRCSize + len(headers) + len(payloadBytes) + messageCRCSize)
	prelude := make([]byte, preludeSize)
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headers)))
	preludeCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(preludeCRC, crc32.ChecksumIEEE(prelude))

	msg := append([]byte(nil), prelude...)
	msg = append(msg, preludeCRC...)
	msg = append(msg, headers...)
	msg = append(msg, payloadBytes...)
	msgCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(msgCRC, crc32.ChecksumIEEE(msg))
	return append(msg, msgCRC...)
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestStreamTranslate_OrdersEventsAndClosesCleanly(t *testing.T) {
	body := wireFrame("text-delta", `{"text":"hi"}`)
	body = append(body, wireFrame("completion", `{"stopReason":"end_turn","outputTokens":3}`)...)

	dec := eventstream.New(0)
	tr := NewTranslator("msg_1", "model")
	out := &flushRecorder{}

	err := StreamTranslate(context.Background(), strings.NewReader(string(body)), out, dec, tr)
	require.NoError(t, err)

	text := out.String()
	assert.True(t, strings.Index(text, "message_start") < strings.Index(text, "content_block_delta"))
	assert.True(t, strings.Index(text, "content_block_delta") < strings.Index(text, "message_stop"))
	assert.True(t, strings.HasSuffix(strings.TrimRight(text, "\n"), "}"), "final rendered event should end with the message_stop JSON body")
}

func TestBufferedTranslate_RewritesInputTokensBeforeFlushing(t *testing.T) {
	body := wireFrame("text-delta", `{"text":"hi"}`)
	body = append(body, wireFrame("context-usage", `{"inputTokens":99}`)...)
	body = append(body, wireFrame("completion", `{"stopReason":"end_turn","outputTokens":3}`)...)

	dec := eventstream.New(0)
	tr := NewTranslator("msg_1", "model")
	out := &flushRecorder{}

	err := BufferedTranslate(context.Background(), strings.NewReader(string(body)), out, dec, tr)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, `"input_tokens":99`, "message_start must be rewritten with the input token count learned mid-stream")

	msgStart := strings.Index(text, "message_start")
	msgStop := strings.Index(text, "message_stop")
	require.GreaterOrEqual(t, msgStart, 0)
	require.Greater(t, msgStop, msgStart, "message_stop must still be the last event once buffering is flushed")
}

func TestBufferedTranslate_NothingWrittenUntilStreamEnds(t *testing.T) {
	pr, pw := io.Pipe()
	dec := eventstream.New(0)
	tr := NewTranslator("msg_1", "model")
	out := &flushRecorder{}

	done := make(chan error, 1)
	go func() { done <- BufferedTranslate(context.Background(), pr, out, dec, tr) }()

	pw.Write(wireFrame("text-delta", `{"text":"partial"}`))
	assert.Empty(t, out.String(), "buffered variant must not write anything before the stream completes")

	pw.Write(wireFrame("completion", `{"stopReason":"end_turn","outputTokens":1}`))
	pw.Close()

	require.NoError(t, <-done)
	assert.NotEmpty(t, out.String())
}
