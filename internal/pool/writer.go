package pool

import (
	"context"
	"fmt"

	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/sirupsen/logrus"
)

// writeRequest is one submitted snapshot; done is nil for fire-and-forget
// submissions and carries the write's outcome otherwise.
type writeRequest struct {
	records []config.CredentialRecord
	done    chan error
}

// Writer serializes credential-file persistence: callers submit a full
// snapshot and a single goroutine rewrites the credentials file atomically
// (temp + fsync + rename), one write at a time. Pending snapshots are
// coalesced to the newest; every waiter is acked with the outcome of the
// write that covered its snapshot.
type Writer struct {
	path   string
	submit chan writeRequest
	log    *logrus.Logger
	done   chan struct{}
}

// NewWriter starts the writer goroutine. Call Close to stop it (it drains
// any already-submitted snapshot before exiting).
func NewWriter(ctx context.Context, path string, log *logrus.Logger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Writer{
		path:   path,
		submit: make(chan writeRequest, 8),
		log:    log,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.submit:
			if !ok {
				return
			}
			records := req.records
			waiters := []chan error{}
			if req.done != nil {
				waiters = append(waiters, req.done)
			}
			// Coalesce any further pending submissions so a burst of
			// mutations only triggers the latest state to be written; their
			// waiters are all acked by that single covering write.
			for drained := false; !drained; {
				select {
				case next, ok := <-w.submit:
					if !ok {
						drained = true
						break
					}
					records = next.records
					if next.done != nil {
						waiters = append(waiters, next.done)
					}
				default:
					drained = true
				}
			}
			err := config.WriteCredentialsFileAtomic(w.path, records)
			if err != nil {
				w.log.WithError(err).Error("pool: failed to persist credentials file")
			}
			for _, d := range waiters {
				d <- err
			}
		}
	}
}

// Submit enqueues a full snapshot to be written, without waiting for the
// write to land. Blocks only while the internal buffer is full. The pool
// calls it with its own lock held; the writer goroutine never takes that
// lock.
func (w *Writer) Submit(records []config.CredentialRecord) {
	w.submit <- writeRequest{records: records}
}

// SubmitAndWait enqueues a full snapshot and blocks until it, or a newer
// snapshot that superseded it in the coalescing window, is durably on disk,
// returning the write's error.
func (w *Writer) SubmitAndWait(ctx context.Context, records []config.CredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	select {
	case w.submit <- writeRequest{records: records, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("pool: credentials writer stopped before the write completed")
	}
}

// Close stops accepting submissions and waits for the writer to exit.
func (w *Writer) Close() {
	close(w.submit)
	<-w.done
}
