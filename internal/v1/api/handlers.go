// Package api exposes the REST surface: anonymous session issuance, abuse
// reports, aggregate stats, and client bootstrap configuration.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/safety"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/stats"
)

// sessionIDKey is the gin context key the auth middleware populates.
const sessionIDKey = "sessionId"

// Handler bundles the REST endpoints and their collaborators.
type Handler struct {
	sessions   *session.Authority
	reports    *safety.Reports
	stats      *stats.Service
	iceServers []string
}

// NewHandler creates the REST handler.
func NewHandler(sessions *session.Authority, reports *safety.Reports, statsSvc *stats.Service, iceServers []string) *Handler {
	return &Handler{
		sessions:   sessions,
		reports:    reports,
		stats:      statsSvc,
		iceServers: iceServers,
	}
}

// Register mounts all REST routes under /api.
func (h *Handler) Register(router gin.IRouter, limits *safety.HTTPLimiter) {
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/session/init", limits.SessionInitMiddleware(), h.SessionInit)
		apiGroup.POST("/session/verify", h.SessionVerify)
		apiGroup.GET("/config", h.ClientConfig)
		apiGroup.GET("/stats", h.Stats)

		authed := apiGroup.Group("", h.RequireSession())
		authed.POST("/reports", limits.ReportsMiddleware(), h.CreateReport)
		authed.GET("/reports", h.ListReports)
	}
}

// RequireSession authenticates the Bearer token and stores the session ID
// on the gin context.
func (h *Handler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		sessionID, err := h.sessions.Verify(c.Request.Context(), token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Session auth failed",
				zap.String("token", logging.RedactToken(token)), zap.Error(err))
			c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": "invalid session token"})
			return
		}

		c.Set(sessionIDKey, sessionID)
		c.Next()
	}
}

// SessionInit issues a fresh anonymous session.
// POST /api/session/init
func (h *Handler) SessionInit(c *gin.Context) {
	identity, err := h.sessions.Issue(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, identity)
}

// SessionVerify checks a Bearer token and reports whether its session is
// still alive.
// POST /api/session/verify
func (h *Handler) SessionVerify(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": "missing bearer token"})
		return
	}

	sessionID, err := h.sessions.Verify(c.Request.Context(), token)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "sessionId": sessionID})
}

// createReportRequest is the body of POST /api/reports.
type createReportRequest struct {
	ReportedSessionID string `json:"reportedSessionId" binding:"required"`
	RoomID            string `json:"roomId"`
	Reason            string `json:"reason" binding:"required"`
	Details           string `json:"details"`
}

// CreateReport files an abuse report against another session.
// POST /api/reports
func (h *Handler) CreateReport(c *gin.Context) {
	var req createReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reportedSessionId and reason are required"})
		return
	}

	reporterID := c.GetString(sessionIDKey)
	out, err := h.reports.File(c.Request.Context(), reporterID,
		req.ReportedSessionID, req.RoomID, req.Reason, req.Details)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reportId":             out.ReportID,
		"shouldAutoDisconnect": out.ShouldAutoDisconnect,
	})
}

// ListReports returns recent reports, optionally filtered by status.
// GET /api/reports?status=pending&limit=100
func (h *Handler) ListReports(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	reports, err := h.reports.Recent(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// Stats returns the aggregate usage snapshot.
// GET /api/stats
func (h *Handler) Stats(c *gin.Context) {
	snap, err := h.stats.Snapshot(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ClientConfig hands the frontend what it needs to open peer connections.
// GET /api/config
func (h *Handler) ClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.iceServers})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	logging.Warn(c.Request.Context(), "Request failed",
		zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(errs.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"code":  string(errs.KindOf(err)),
	})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
