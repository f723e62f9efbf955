package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"preflight/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(auth services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api", AuthMiddleware(auth, services.ScopeViewer))
	api.GET("/report", func(c *gin.Context) {
		claims, err := services.ClaimsFromContext(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.Subject)
	})
	api.POST("/start", RequireScope(auth, services.ScopeOperator), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute)
	router := newAuthRouter(auth)

	viewer, err := auth.GenerateToken("alice", services.ScopeViewer)
	require.NoError(t, err)
	operator, err := auth.GenerateToken("ops", services.ScopeOperator)
	require.NoError(t, err)
	messaging, err := auth.GenerateToken("testuser2", services.ScopeMessaging)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{name: "missing header", method: http.MethodGet, path: "/api/report", want: http.StatusUnauthorized},
		{name: "wrong scheme", method: http.MethodGet, path: "/api/report", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/api/report", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "viewer reads", method: http.MethodGet, path: "/api/report", header: "Bearer " + viewer, want: http.StatusOK},
		{name: "query token", method: http.MethodGet, path: "/api/report?token=" + viewer, want: http.StatusOK},
		{name: "messaging token rejected", method: http.MethodGet, path: "/api/report", header: "Bearer " + messaging, want: http.StatusForbidden},
		{name: "viewer cannot start", method: http.MethodPost, path: "/api/start", header: "Bearer " + viewer, want: http.StatusForbidden},
		{name: "operator starts", method: http.MethodPost, path: "/api/start", header: "Bearer " + operator, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
