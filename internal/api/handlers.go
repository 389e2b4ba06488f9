package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/huazz233/kiro-proxy/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// supportedModels is the client-facing Anthropic-style model id list this
// proxy accepts; the Kiro-side target ids are an internal mapping detail
// (internal/converter.MapModel), not part of this response.
var supportedModels = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-5",
	"claude-haiku-4-5",
}

// readBody drains the request body, rendering the appropriate error itself
// on failure. A body that overruns the MaxBytesReader cap installed by
// bodyLimitMiddleware (the chunked-transfer case the middleware's declared
// Content-Length check cannot catch up front) is a 413, not a 400.
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, apierr.BadRequest("request body too large").ToEnvelope())
			return nil, false
		}
		writeError(c, apierr.BadRequest("failed to read request body"))
		return nil, false
	}
	return body, true
}

func (s *Server) handleMessages(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	userID := gjson.GetBytes(body, "metadata.user_id").String()
	streaming := gjson.GetBytes(body, "stream").Bool()
	s.log.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"user_id":    logging.MaskUserID(userID, s.cfg.SensitiveLogs),
		"stream":     streaming,
	}).Debug("api: messages request")

	if !streaming {
		resp, execErr := s.executor.Execute(c.Request.Context(), userID, body)
		if execErr != nil {
			s.writeExecError(c, execErr, body)
			return
		}
		c.Data(http.StatusOK, "application/json", resp.Body)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	if err := s.executor.ExecuteStream(c.Request.Context(), userID, body, c.Writer, false); err != nil {
		s.log.WithError(err).WithField("request_id", c.GetString("request_id")).Warn("api: stream terminated with error")
	}
}

// handleCCMessages is the /cc/v1/messages buffered streaming variant: always
// a stream response regardless of the body's own "stream" field, since the
// buffered semantics are the point of this route.
func (s *Server) handleCCMessages(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	userID := gjson.GetBytes(body, "metadata.user_id").String()
	s.log.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"user_id":    logging.MaskUserID(userID, s.cfg.SensitiveLogs),
	}).Debug("api: buffered messages request")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	if err := s.executor.ExecuteStream(c.Request.Context(), userID, body, c.Writer, true); err != nil {
		s.log.WithError(err).WithField("request_id", c.GetString("request_id")).Warn("api: buffered stream terminated with error")
	}
}

// handleCountTokens returns a coarse input-token estimate: the request body
// length divided by 4. The configured countTokensApi is not consulted.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": len(body) / 4})
}

func (s *Server) handleModels(c *gin.Context) {
	data := make([]gin.H, 0, len(supportedModels))
	for _, id := range supportedModels {
		data = append(data, gin.H{"id": id, "type": "model"})
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// writeExecError renders the classified error from the executor/retry engine
// as the client-facing envelope, falling back to upstream_fatal for an
// unclassified error. A bad_request gets a full dump of the offending
// request at debug level, with credential headers redacted.
func (s *Server) writeExecError(c *gin.Context, err error, body []byte) {
	if classified, ok := apierr.As(err); ok {
		if classified.Kind == apierr.KindBadRequest {
			s.log.WithFields(logrus.Fields{
				"request_id": c.GetString("request_id"),
				"headers":    logging.RedactHeaders(c.Request.Header),
				"body":       logging.TruncateUTF8(string(body), 4096),
			}).Debug("api: rejected request dump")
		}
		writeError(c, classified)
		return
	}
	writeError(c, apierr.UpstreamFatal("request failed", err))
}
