package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/huazz233/kiro-proxy/internal/pool"
)

// registerAdminRoutes mounts /api/admin/*, gated on the configured admin
// key. Routes only exist at all when AdminAPIKey is non-empty. The admin
// UI's static assets are served separately; this surface is the JSON API
// behind it (credential CRUD, import, load-balancing mode, stats reset).
func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/admin", adminAuthMiddleware(s.cfg.AdminAPIKey))

	admin.GET("/credentials", s.handleListCredentials)
	admin.POST("/credentials", s.handleAddCredential)
	admin.PATCH("/credentials/:id", s.handlePatchCredential)
	admin.DELETE("/credentials/:id", s.handleDeleteCredential)
	admin.GET("/credentials/balances", s.handleCachedBalances)
	admin.POST("/credentials/import-token-json", s.handleImportTokenJSON)
	admin.GET("/config/load-balancing", s.handleGetLoadBalancing)
	admin.PUT("/config/load-balancing", s.handleSetLoadBalancing)
	admin.POST("/stats/reset", s.handleStatsReset)
}

type credentialView struct {
	ID       int     `json:"id"`
	Priority int     `json:"priority"`
	Region   string  `json:"region,omitempty"`
	InFlight int32   `json:"inFlight"`
	Balance  float64 `json:"balance"`
}

func (s *Server) handleListCredentials(c *gin.Context) {
	snaps := s.pool.GetAllSnapshots()
	out := make([]credentialView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, credentialView{
			ID:       snap.ID,
			Priority: snap.Priority,
			Region:   snap.Region,
			InFlight: snap.InFlight,
			Balance:  snap.Balance.NormalizedRemaining(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

type balanceView struct {
	Remaining float64 `json:"remaining"`
	SampledAt string  `json:"sampledAt,omitempty"`
}

func (s *Server) handleCachedBalances(c *gin.Context) {
	balances := s.pool.GetCachedBalances()
	out := make(map[string]balanceView, len(balances))
	for id, b := range balances {
		view := balanceView{Remaining: b.NormalizedRemaining()}
		if !b.SampledAt.IsZero() {
			view.SampledAt = b.SampledAt.Format(time.RFC3339)
		}
		out[strconv.Itoa(id)] = view
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

func (s *Server) handleAddCredential(c *gin.Context) {
	var rec config.CredentialRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.pool.Add(rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pool.Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// credentialPatch is the PATCH body for one credential: every field is
// optional and applied only when present, since a partial update must not
// clobber the others.
type credentialPatch struct {
	Disabled     *bool   `json:"disabled"`
	Priority     *int    `json:"priority"`
	ResetFailure bool    `json:"resetFailures"`
}

func (s *Server) handlePatchCredential(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential id"})
		return
	}
	var patch credentialPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if patch.Disabled != nil {
		if err := s.pool.SetDisabled(id, *patch.Disabled, pool.ReasonManual); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	}
	if patch.Priority != nil {
		if err := s.pool.SetPriority(id, *patch.Priority); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	}
	if patch.ResetFailure {
		if err := s.pool.ResetFailures(id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.pool.Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential id"})
		return
	}
	if err := s.pool.Delete(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.pool.Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleImportTokenJSON(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	records, err := config.ParseCredentialsFile(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	added, err := s.pool.ImportFromTokenJSON(records)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if added > 0 {
		if err := s.pool.Flush(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (s *Server) handleGetLoadBalancing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": string(s.pool.Mode())})
}

func (s *Server) handleSetLoadBalancing(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch pool.Mode(body.Mode) {
	case pool.ModePriority, pool.ModeBalanced:
		s.pool.SetMode(pool.Mode(body.Mode))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be priority or balanced"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleStatsReset resets every credential's failure counter, the lightest
// "try again" lever the admin surface exposes without a full restart.
func (s *Server) handleStatsReset(c *gin.Context) {
	for _, snap := range s.pool.GetAllSnapshots() {
		_ = s.pool.ResetFailures(snap.ID)
	}
	if err := s.pool.Flush(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
