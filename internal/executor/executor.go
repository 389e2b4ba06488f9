// Package executor wires the retry engine, token manager, converter, and
// the event-stream/SSE translation layer together into one upstream call
// per attempt.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/huazz233/kiro-proxy/internal/converter"
	"github.com/huazz233/kiro-proxy/internal/eventstream"
	"github.com/huazz233/kiro-proxy/internal/pool"
	"github.com/huazz233/kiro-proxy/internal/sse"
	"github.com/huazz233/kiro-proxy/internal/token"
	"github.com/sirupsen/logrus"
)

// kiroEndpoint is the fixed upstream endpoint.
const kiroEndpoint = "https://q.us-east-1.amazonaws.com"

const (
	kiroContentType = "application/x-amz-json-1.0"
	kiroTarget      = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
)

// origins is tried in order; a 429 against AI_EDITOR falls back to CLI
// within the same attempt.
var origins = []string{"AI_EDITOR", "CLI"}

// Executor performs one upstream Kiro call per retry-engine attempt.
type Executor struct {
	engine  *pool.Engine
	tokens  *token.Manager
	client  *http.Client
	log     *logrus.Logger
	compress converter.CompressionOptions

	// endpointOverride replaces kiroEndpoint when set, so tests can point
	// attempts at an httptest.Server instead of the real upstream.
	endpointOverride string
}

func New(engine *pool.Engine, tokens *token.Manager, client *http.Client, log *logrus.Logger, compress converter.CompressionOptions) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{engine: engine, tokens: tokens, client: client, log: log, compress: compress}
}

// Response is the non-streaming result returned to the API layer.
type Response struct {
	Body         []byte
	Model        string
	InputTokens  int
	OutputTokens int
}

// Execute runs a non-streaming Anthropic request through the full pipeline
// under the retry engine's policy.
func (ex *Executor) Execute(ctx context.Context, userID string, anthropicBody []byte) (Response, error) {
	return pool.Do(ctx, ex.engine, userID, ex.forceRefresh, func(ctx context.Context, snap pool.Snapshot) (Response, int, string, *apierr.Error) {
		return ex.attempt(ctx, snap, anthropicBody)
	})
}

// ExecuteStream runs a streaming Anthropic request, writing translated SSE
// events directly to w as they are produced (direct /v1 path) or buffered
// until the stream completes (buffered /cc/v1 path, selected by buffered).
func (ex *Executor) ExecuteStream(ctx context.Context, userID string, anthropicBody []byte, w io.Writer, buffered bool) error {
	_, err := pool.Do(ctx, ex.engine, userID, ex.forceRefresh, func(ctx context.Context, snap pool.Snapshot) (struct{}, int, string, *apierr.Error) {
		usage, model, cerr := ex.attemptStream(ctx, snap, anthropicBody, w, buffered)
		return struct{}{}, usage, model, cerr
	})
	return err
}

func (ex *Executor) forceRefresh(ctx context.Context, credentialID int) error {
	return ex.tokens.ForceRefresh(ctx, credentialID)
}

// balanceEndpoint is the usage-limits endpoint queried for a credential's
// remaining balance. The response shape is undocumented; the field name
// below is a best-effort guess consistent with the rest of the Kiro
// envelope's naming.
const balanceEndpoint = "https://q.us-east-1.amazonaws.com/getUsageLimits"

// QueryBalance implements pool.BalanceRefreshFunc: it fetches the remaining
// credit for one credential, used both by the startup sweep and a periodic
// background refresh.
func (ex *Executor) QueryBalance(ctx context.Context, snap pool.Snapshot) (float64, error) {
	accessToken, terr := ex.tokens.EnsureFresh(ctx, snap.ID)
	if terr != nil {
		return 0, terr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, balanceEndpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := ex.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance query: status %d", resp.StatusCode)
	}
	var parsed struct {
		RemainingCredits float64 `json:"remainingCredits"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, err
	}
	return parsed.RemainingCredits, nil
}

func (ex *Executor) attempt(ctx context.Context, snap pool.Snapshot, anthropicBody []byte) (Response, int, string, *apierr.Error) {
	accessToken, terr := ex.tokens.EnsureFresh(ctx, snap.ID)
	if terr != nil {
		return Response{}, 0, "", classifyTokenError(terr)
	}

	var lastErr *apierr.Error
	for _, origin := range origins {
		kiroBody, err := converter.ToKiroPayload(anthropicBody, converter.Options{
			ProfileArn: snap.ProfileArn,
			Origin:     origin,
			Compress:   ex.compress,
		})
		if err != nil {
			return Response{}, 0, "", apierr.BadRequest(err.Error())
		}

		httpResp, err := ex.post(ctx, kiroBody, accessToken)
		if err != nil {
			return Response{}, 0, "", apierr.UpstreamTransient("kiro request failed", err)
		}
		body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
		httpResp.Body.Close()
		if readErr != nil {
			return Response{}, 0, "", apierr.UpstreamTransient("read kiro response", readErr)
		}

		if httpResp.StatusCode == http.StatusTooManyRequests && origin == "AI_EDITOR" {
			lastErr = apierr.ModelUnavailable("quota exceeded on AI_EDITOR origin")
			continue
		}
		if classified := classifyStatus(httpResp.StatusCode, body); classified != nil {
			return Response{}, 0, "", classified
		}

		// The upstream response is always event-stream framed, even for a
		// non-streaming client request: decode it fully and fold the event
		// sequence back into one complete Anthropic message.
		dec := eventstream.New(0)
		tr := sse.NewTranslator(fmt.Sprintf("msg_%d", snap.ID), converter.MapModel(requestModel(anthropicBody)))
		assembled, aerr := sse.AssembleMessage(bytes.NewReader(body), dec, tr)
		if aerr != nil {
			return Response{}, 0, "", apierr.DecodeError("assemble kiro response", aerr)
		}
		return Response{
			Body:        assembled,
			Model:       tr.Model(),
			InputTokens: tr.InputTokens(),
		}, tr.InputTokens(), tr.Model(), nil
	}
	return Response{}, 0, "", lastErr
}

func (ex *Executor) attemptStream(ctx context.Context, snap pool.Snapshot, anthropicBody []byte, w io.Writer, buffered bool) (int, string, *apierr.Error) {
	accessToken, terr := ex.tokens.EnsureFresh(ctx, snap.ID)
	if terr != nil {
		return 0, "", classifyTokenError(terr)
	}

	var lastErr *apierr.Error
	for _, origin := range origins {
		kiroBody, err := converter.ToKiroPayload(anthropicBody, converter.Options{
			ProfileArn: snap.ProfileArn,
			Origin:     origin,
			Compress:   ex.compress,
		})
		if err != nil {
			return 0, "", apierr.BadRequest(err.Error())
		}

		httpResp, err := ex.post(ctx, kiroBody, accessToken)
		if err != nil {
			return 0, "", apierr.UpstreamTransient("kiro stream request failed", err)
		}

		if httpResp.StatusCode == http.StatusTooManyRequests && origin == "AI_EDITOR" {
			httpResp.Body.Close()
			lastErr = apierr.ModelUnavailable("quota exceeded on AI_EDITOR origin")
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
			httpResp.Body.Close()
			return 0, "", classifyStatus(httpResp.StatusCode, body)
		}

		dec := eventstream.New(0)
		tr := sse.NewTranslator(fmt.Sprintf("msg_%d", snap.ID), converter.MapModel(requestModel(anthropicBody)))

		var translateErr error
		if buffered {
			translateErr = sse.BufferedTranslate(ctx, httpResp.Body, w, dec, tr)
		} else {
			translateErr = sse.StreamTranslate(ctx, httpResp.Body, w, dec, tr)
		}
		httpResp.Body.Close()
		if translateErr != nil {
			if ctx.Err() != nil {
				return 0, "", apierr.IOCancelled()
			}
			return 0, "", apierr.DecodeError("stream translation failed", translateErr)
		}
		return tr.InputTokens(), tr.Model(), nil
	}
	return 0, "", lastErr
}

func (ex *Executor) post(ctx context.Context, body []byte, accessToken string) (*http.Response, error) {
	endpoint := kiroEndpoint
	if ex.endpointOverride != "" {
		endpoint = ex.endpointOverride
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", kiroContentType)
	req.Header.Set("x-amz-target", kiroTarget)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return ex.client.Do(req)
}

// modelUnavailableMarker is the upstream error code that feeds the global
// circuit breaker; it can arrive on any non-200 status, so the body is
// checked before the status switch.
const modelUnavailableMarker = "MODEL_TEMPORARILY_UNAVAILABLE"

func classifyStatus(status int, body []byte) *apierr.Error {
	if status != http.StatusOK && bytes.Contains(body, []byte(modelUnavailableMarker)) {
		return apierr.ModelUnavailable("kiro reports model temporarily unavailable")
	}
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.CredentialAuth(fmt.Sprintf("kiro rejected credential: status %d", status))
	case status == http.StatusPaymentRequired:
		return apierr.InsufficientBalance("kiro reports insufficient balance")
	case status == http.StatusTooManyRequests:
		return apierr.ModelUnavailable("kiro quota exceeded")
	case status >= 500:
		return apierr.UpstreamTransient("kiro server error", fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	default:
		return apierr.UpstreamFatal("unexpected kiro response", fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	}
}

// classifyTokenError preserves the token manager's own apierr classification
// where present, falling back to credential_auth (which the retry engine
// treats as refresh-then-retry-same-credential) for anything else.
func classifyTokenError(err error) *apierr.Error {
	if classified, ok := apierr.As(err); ok {
		return classified
	}
	return apierr.CredentialAuth(err.Error())
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func requestModel(body []byte) string {
	var m struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	return m.Model
}
