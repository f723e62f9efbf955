package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/services"
	"preflight/internal/infrastructure/monitoring"
	"preflight/internal/testutil"
	"preflight/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	router     *gin.Engine
	controller *testutil.MockController
	reports    *testutil.MockReportRepository
	auth       services.AuthService
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		controller: new(testutil.MockController),
		reports:    new(testutil.MockReportRepository),
	}
	cfg := config.DefaultConfig()
	if withAuth {
		f.auth = services.NewAuthService("test-secret", time.Minute)
	}

	health := monitoring.NewHealthChecker(zap.NewNop().Sugar())
	health.AddSequencerCheck(f.controller, 0, time.Second)

	f.router = NewRouter(RouterDeps{
		Config:      cfg,
		Controller:  f.controller,
		Reports:     f.reports,
		AuthService: f.auth,
		Health:      health,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      zap.NewNop(),
		StartedAt:   time.Now(),
	})
	return f
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

func idleSnapshot() domain.Snapshot {
	return domain.Snapshot{
		CurrentStage: domain.StageIdle,
		Stages:       domain.InitialStages(),
		Profiles:     domain.DefaultProfiles(),
		Proxy:        domain.ProxySettings{Mode: domain.ProxyModeDefault},
	}
}

func TestDiagnosticsHandler_Commands(t *testing.T) {
	f := newFixture(t, false)
	running := idleSnapshot()
	running.RunID = "run-1"
	running.Testing = true
	running.CurrentStage = domain.StageCompatibility

	f.controller.On("Start").Return(nil).Once()
	f.controller.On("Snapshot").Return(running, nil)

	w := f.do(http.MethodPost, "/api/v1/diagnostics/start", "", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.RunID)
	assert.True(t, snap.Testing)

	f.controller.On("Start").Return(domain.ErrRunInProgress).Once()
	w = f.do(http.MethodPost, "/api/v1/diagnostics/start", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RUN_IN_PROGRESS", errorCode(t, w))

	f.controller.On("ResolveSpeaker").Return(domain.ErrInvalidTransition)
	w = f.do(http.MethodPost, "/api/v1/diagnostics/speaker/resolve", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, w))

	f.controller.On("RejectSpeaker").Return(nil)
	w = f.do(http.MethodPost, "/api/v1/diagnostics/speaker/reject", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.controller.On("Reset").Return(domain.ErrClosed)
	w = f.do(http.MethodPost, "/api/v1/diagnostics/reset", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.controller.AssertExpectations(t)
}

func TestDiagnosticsHandler_JumpToStage(t *testing.T) {
	f := newFixture(t, false)
	f.controller.On("JumpToStage", domain.StageMessaging).Return(nil)
	f.controller.On("Snapshot").Return(idleSnapshot(), nil)

	w := f.do(http.MethodPost, "/api/v1/diagnostics/jump/5", "", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/diagnostics/jump/9", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))

	f.controller.AssertNumberOfCalls(t, "JumpToStage", 1)
}

func TestDiagnosticsHandler_SetProxy(t *testing.T) {
	f := newFixture(t, false)
	want := domain.ProxySettings{Enabled: true, Mode: domain.ProxyModeFixed}
	f.controller.On("SetProxy", want).Return(nil)
	f.controller.On("Snapshot").Return(idleSnapshot(), nil)

	w := f.do(http.MethodPut, "/api/v1/diagnostics/proxy", `{"isEnabled":true,"mode":"fixed"}`, "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, body := range []string{`{"isEnabled":true,"mode":"tunnel"}`, `{"mode":"fixed"}`, `not json`} {
		w = f.do(http.MethodPut, "/api/v1/diagnostics/proxy", body, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	f.controller.AssertNumberOfCalls(t, "SetProxy", 1)
}

func TestDiagnosticsHandler_ReportAndSeries(t *testing.T) {
	f := newFixture(t, false)

	idle := idleSnapshot()
	f.controller.On("Snapshot").Return(idle, nil).Once()
	w := f.do(http.MethodGet, "/api/v1/diagnostics/report", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	done := idleSnapshot()
	done.RunID = "run-2"
	done.CurrentStage = domain.StageReport
	done.RenderChart = true
	done.Series.Append(domain.MetricOf(800), domain.MetricOf(48), domain.MetricOf(0), domain.MissingMetric)
	f.controller.On("Snapshot").Return(done, nil)

	w = f.do(http.MethodGet, "/api/v1/diagnostics/report", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report domain.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "run-2", report.RunID)
	assert.True(t, report.Complete)

	w = f.do(http.MethodGet, "/api/v1/diagnostics/series", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tAudioBitrate":48`)
	assert.Contains(t, w.Body.String(), `"-"`)
}

func TestDiagnosticsHandler_ArchivedReports(t *testing.T) {
	f := newFixture(t, false)
	f.reports.On("ListRecent", mock.Anything, 20).Return([]domain.Report{{RunID: "b"}, {RunID: "a"}}, nil)
	f.reports.On("ListRecent", mock.Anything, 100).Return(nil, nil)
	const (
		archived = "6f1c2d3e-4b5a-4c6d-8e7f-90a1b2c3d4e5"
		missing  = "00000000-0000-4000-8000-000000000000"
	)
	f.reports.On("GetByRunID", mock.Anything, archived).Return(domain.Report{RunID: archived, Passed: true}, nil)
	f.reports.On("GetByRunID", mock.Anything, missing).Return(domain.Report{}, domain.ErrReportNotFound)

	w := f.do(http.MethodGet, "/api/v1/reports", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = f.do(http.MethodGet, "/api/v1/reports?limit=500", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reports":[],"count":0}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/reports?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/reports/"+archived, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"passed":true`)

	w = f.do(http.MethodGet, "/api/v1/reports/"+missing, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))

	w = f.do(http.MethodGet, "/api/v1/reports/zz", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))
}

func TestRouter_HealthAndReadiness(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.controller.On("Snapshot").Return(idleSnapshot(), nil).Once()
	w = f.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.controller.On("Snapshot").Return(domain.Snapshot{}, domain.ErrClosed)
	w = f.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "sequencer")

	w = f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ScopesWhenAuthEnabled(t *testing.T) {
	f := newFixture(t, true)
	viewer, err := f.auth.GenerateToken("alice", services.ScopeViewer)
	require.NoError(t, err)
	operator, err := f.auth.GenerateToken("ops", services.ScopeOperator)
	require.NoError(t, err)

	f.controller.On("Snapshot").Return(idleSnapshot(), nil)
	f.controller.On("Start").Return(nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/diagnostics", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/diagnostics", "", viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/diagnostics/start", "", viewer).Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/v1/diagnostics/start", "", operator).Code)

	// health stays public
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", "").Code)
}
