package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"preflight/internal/core/domain"
	apperrors "preflight/pkg/errors"
	"preflight/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(log), RequestIDMiddleware(), RequestLoggerMiddleware(logger.NewContextLogger(zap.NewNop())), ErrorHandlerMiddleware(log))
	router.GET("/conflict", func(c *gin.Context) {
		c.Error(apperrors.NewConflictError("busy"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":{"code":"CONFLICT","message":"busy"}}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestRequestIDMiddleware_ReusesClientID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestCommandError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{err: domain.ErrInvalidTransition, status: http.StatusConflict, code: apperrors.ErrCodeInvalidTransition},
		{err: domain.ErrRunInProgress, status: http.StatusConflict, code: apperrors.ErrCodeRunInProgress},
		{err: fmt.Errorf("%w: %q", domain.ErrUnknownStage, "9"), status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{err: domain.ErrReportNotFound, status: http.StatusNotFound, code: apperrors.ErrCodeNotFound},
		{err: domain.ErrClosed, status: http.StatusServiceUnavailable, code: apperrors.ErrCodeServiceUnavailable},
		{err: context.DeadlineExceeded, status: http.StatusServiceUnavailable, code: apperrors.ErrCodeServiceUnavailable},
		{err: errors.New("other"), status: http.StatusInternalServerError, code: apperrors.ErrCodeInternal},
	}
	for _, tt := range tests {
		appErr := CommandError(tt.err)
		assert.Equal(t, tt.status, appErr.HTTPStatus, tt.err.Error())
		assert.Equal(t, tt.code, appErr.Code, tt.err.Error())
	}
}
