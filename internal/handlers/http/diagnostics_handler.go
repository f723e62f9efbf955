package http

import (
	"net/http"
	"strconv"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/internal/infrastructure/middleware"
	"preflight/pkg/errors"
	"preflight/pkg/validation"

	"github.com/gin-gonic/gin"
)

const maxReportLimit = 100

type DiagnosticsHandler struct {
	controller ports.DiagnosticsController
	reports    ports.ReportRepository
}

func NewDiagnosticsHandler(controller ports.DiagnosticsController, reports ports.ReportRepository) *DiagnosticsHandler {
	return &DiagnosticsHandler{
		controller: controller,
		reports:    reports,
	}
}

// SetupRoutes registers read routes on view and command routes on
// operate. The groups carry whatever auth the caller configured.
func (h *DiagnosticsHandler) SetupRoutes(view, operate *gin.RouterGroup) {
	view.GET("/diagnostics", h.GetSnapshot)
	view.GET("/diagnostics/report", h.GetReport)
	view.GET("/diagnostics/series", h.GetSeries)
	view.GET("/reports", h.ListReports)
	view.GET("/reports/:runId", h.GetArchivedReport)

	operate.POST("/diagnostics/start", h.Start)
	operate.POST("/diagnostics/reset", h.Reset)
	operate.POST("/diagnostics/speaker/resolve", h.ResolveSpeaker)
	operate.POST("/diagnostics/speaker/reject", h.RejectSpeaker)
	operate.POST("/diagnostics/jump/:id", h.JumpToStage)
	operate.PUT("/diagnostics/proxy", h.SetProxy)
}

func (h *DiagnosticsHandler) fail(c *gin.Context, err error) {
	c.Error(middleware.CommandError(err))
}

// command runs fn and answers with the snapshot that follows it.
func (h *DiagnosticsHandler) command(c *gin.Context, status int, fn func() error) {
	if err := fn(); err != nil {
		h.fail(c, err)
		return
	}
	snap, err := h.controller.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, snap)
}

func (h *DiagnosticsHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.controller.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetReport returns the report of the current run, complete or not.
func (h *DiagnosticsHandler) GetReport(c *gin.Context) {
	snap, err := h.controller.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if snap.RunID == "" {
		c.Error(errors.NewNotFoundError("report"))
		return
	}
	c.JSON(http.StatusOK, domain.NewReport(snap))
}

func (h *DiagnosticsHandler) GetSeries(c *gin.Context) {
	snap, err := h.controller.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"renderChart": snap.RenderChart,
		"series":      snap.Series,
	})
}

func (h *DiagnosticsHandler) Start(c *gin.Context) {
	h.command(c, http.StatusAccepted, func() error {
		return h.controller.Start(c.Request.Context())
	})
}

func (h *DiagnosticsHandler) Reset(c *gin.Context) {
	h.command(c, http.StatusOK, func() error {
		return h.controller.Reset(c.Request.Context())
	})
}

func (h *DiagnosticsHandler) ResolveSpeaker(c *gin.Context) {
	h.command(c, http.StatusOK, func() error {
		return h.controller.ResolveSpeaker(c.Request.Context())
	})
}

func (h *DiagnosticsHandler) RejectSpeaker(c *gin.Context) {
	h.command(c, http.StatusOK, func() error {
		return h.controller.RejectSpeaker(c.Request.Context())
	})
}

func (h *DiagnosticsHandler) JumpToStage(c *gin.Context) {
	id, err := domain.ParseStageID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.command(c, http.StatusOK, func() error {
		return h.controller.JumpToStage(c.Request.Context(), id)
	})
}

func (h *DiagnosticsHandler) SetProxy(c *gin.Context) {
	var req struct {
		Enabled *bool            `json:"isEnabled" binding:"required"`
		Mode    domain.ProxyMode `json:"mode" binding:"required,oneof=default fixed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid proxy settings"))
		return
	}

	settings := domain.ProxySettings{Enabled: *req.Enabled, Mode: req.Mode}
	h.command(c, http.StatusOK, func() error {
		return h.controller.SetProxy(c.Request.Context(), settings)
	})
}

func (h *DiagnosticsHandler) ListReports(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.Error(errors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxReportLimit)
	}

	reports, err := h.reports.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to list reports", http.StatusInternalServerError))
		return
	}
	if reports == nil {
		reports = []domain.Report{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

func (h *DiagnosticsHandler) GetArchivedReport(c *gin.Context) {
	runID := c.Param("runId")
	if err := validation.ValidateRunID(runID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	report, err := h.reports.GetByRunID(c.Request.Context(), runID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
