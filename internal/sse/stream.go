package sse

import (
	"context"
	"io"
	"time"

	"github.com/huazz233/kiro-proxy/internal/eventstream"
)

// PingInterval is the keep-alive cadence for both streaming variants. The
// first ping fires at now+PingInterval, not immediately on connect.
const PingInterval = 25 * time.Second

// Flusher is satisfied by http.ResponseWriter; translated chunks are flushed
// to the client as soon as they are written.
type Flusher interface {
	Flush()
}

type frameResult struct {
	events []Event
	err    error
	done   bool
}

// decodeLoop reads chunked bytes from body, feeds them through dec, and
// turns each resulting frame into SSE events via tr, sending them to out in
// order. It closes out exactly once, after a final frameResult{done: true}
// that carries tr.Finish()'s events, or after an error.
func decodeLoop(body io.Reader, dec *eventstream.Decoder, tr *Translator, out chan<- frameResult) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			frames, err := dec.Feed(buf[:n])
			if err != nil {
				out <- frameResult{err: err}
				return
			}
			for _, f := range frames {
				if events := tr.HandleFrame(f); len(events) > 0 {
					out <- frameResult{events: events}
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				out <- frameResult{err: readErr}
				return
			}
			out <- frameResult{events: tr.Finish(), done: true}
			return
		}
	}
}

// StreamTranslate is the direct /v1 passthrough: each translated event is
// written and flushed as soon as it is produced, interleaved with periodic
// pings.
func StreamTranslate(ctx context.Context, body io.Reader, w io.Writer, dec *eventstream.Decoder, tr *Translator) error {
	flusher, _ := w.(Flusher)
	results := make(chan frameResult, 8)
	go decodeLoop(body, dec, tr, results)

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Write(PingBytes); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if res.err != nil {
				return res.err
			}
			for _, ev := range res.events {
				rendered, err := ev.Render()
				if err != nil {
					return err
				}
				if _, err := w.Write(rendered); err != nil {
					return err
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
			if res.done {
				return nil
			}
		}
	}
}

// BufferedTranslate is the /cc/v1 variant: all translated events are
// accumulated rather than written as they arrive, so the initial
// message_start's input_tokens can be corrected once the context-usage
// frame (which may arrive mid-stream) has been observed. Pings are still
// written to the wire immediately during buffering so the connection is not
// mistaken for dead by intermediaries.
func BufferedTranslate(ctx context.Context, body io.Reader, w io.Writer, dec *eventstream.Decoder, tr *Translator) error {
	flusher, _ := w.(Flusher)
	results := make(chan frameResult, 8)
	go decodeLoop(body, dec, tr, results)

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	var buffered []Event
	messageStartIdx := -1

loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Write(PingBytes); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		case res, ok := <-results:
			if !ok {
				break loop
			}
			if res.err != nil {
				return res.err
			}
			for _, ev := range res.events {
				if ev.Name == "message_start" && messageStartIdx == -1 {
					messageStartIdx = len(buffered)
				}
				buffered = append(buffered, ev)
			}
			if res.done {
				break loop
			}
		}
	}

	if messageStartIdx >= 0 {
		buffered[messageStartIdx] = MessageStart(tr.messageID, tr.model, tr.InputTokens())
	}

	for _, ev := range buffered {
		rendered, err := ev.Render()
		if err != nil {
			return err
		}
		if _, err := w.Write(rendered); err != nil {
			return err
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
