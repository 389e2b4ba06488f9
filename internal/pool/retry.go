package pool

import (
	"context"

	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/sirupsen/logrus"
)

// PerCredentialMaxAttempts and PerRequestMaxAttempts bound the retry budget.
const (
	PerCredentialMaxAttempts = 2
	PerRequestMaxAttempts    = 3
)

// Engine wraps upstream calls with the retry policy, delegating credential
// selection and outcome bookkeeping to Pool.
type Engine struct {
	pool *Pool
	log  *logrus.Logger
}

func NewEngine(p *Pool, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{pool: p, log: log}
}

// Attempt is one upstream call. It returns a usage token count and model
// name to record on success (ignored on failure), and a classified error on
// failure (nil means success).
type Attempt[T any] func(ctx context.Context, snap Snapshot) (result T, usageTokens int, model string, classified *apierr.Error)

// ForceRefresh is invoked when an upstream 401/403 is seen against a
// credential whose access token looked fresh, before the same credential is
// retried. Supplied by the executor so the retry engine never imports the
// token manager directly.
type ForceRefresh func(ctx context.Context, credentialID int) error

// Do runs attempt under the retry policy and returns its result, or the
// terminal classified error wrapped as an error.
func Do[T any](ctx context.Context, e *Engine, userID string, forceRefresh ForceRefresh, attempt Attempt[T]) (T, error) {
	var zero T
	var lease *Context
	credAttempts := 0
	totalAttempts := 0

	rotate := func() error {
		newLease, err := e.pool.Acquire(userID)
		if err != nil {
			return err
		}
		lease = newLease
		credAttempts = 0
		return nil
	}

	for totalAttempts < PerRequestMaxAttempts {
		if lease == nil || credAttempts >= PerCredentialMaxAttempts {
			if err := rotate(); err != nil {
				return zero, err
			}
		}

		totalAttempts++
		credAttempts++

		result, usageTokens, model, classified := attempt(ctx, lease.Snapshot)
		if classified == nil {
			lease.ReportSuccess(usageTokens, model)
			return result, nil
		}

		switch classified.Kind {
		case apierr.KindCredentialAuth:
			if credAttempts < PerCredentialMaxAttempts {
				if forceRefresh != nil {
					if err := forceRefresh(ctx, lease.Snapshot.ID); err != nil {
						e.log.WithError(err).WithField("credential", lease.Snapshot.ID).Warn("retry: forced refresh failed")
					}
				}
				continue // retry same credential
			}
			lease.ReportFailure(FailureGeneric)
			lease = nil
		case apierr.KindInsufficientBalance:
			lease.ReportFailure(FailureInsufficientBalance)
			lease = nil
		case apierr.KindRefreshAuth:
			lease.ReportFailure(FailureRefreshAuth)
			lease = nil
		case apierr.KindModelUnavailable:
			lease.ReportFailure(FailureModelUnavailable)
			lease = nil
		case apierr.KindUpstreamTransient:
			lease.ReportFailure(FailureGeneric)
			lease = nil
		default:
			// Non-retryable classification: still release the in-flight
			// slot, then surface immediately without consuming further
			// budget.
			lease.ReportFailure(FailureGeneric)
			return zero, classified
		}
	}

	// The budget can run out while a lease is still held (a credential-auth
	// retry on the final attempt); the in-flight slot must be released on
	// every exit path.
	if lease != nil {
		lease.ReportFailure(FailureGeneric)
	}
	return zero, apierr.UpstreamFatal("retry budget exhausted", nil)
}
