package middleware

import (
	"net/http"
	"strings"

	"preflight/internal/core/services"
	"preflight/pkg/errors"
	"preflight/pkg/logger"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// bearerToken reads the token from the Authorization header. Browsers
// cannot set headers on a WebSocket upgrade, so the token query
// parameter is accepted as well.
func bearerToken(c *gin.Context) (string, *errors.AppError) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errors.NewUnauthorizedError("authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.NewUnauthorizedError("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthMiddleware validates the bearer token and requires its scope to
// cover required.
func AuthMiddleware(authService services.AuthService, required services.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, appErr := bearerToken(c)
		if appErr != nil {
			abortWithError(c, appErr)
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			return
		}
		if err := authService.CheckScope(claims, required); err != nil {
			abortWithError(c, errors.NewForbiddenError("scope "+string(required)+" required"))
			return
		}

		ctx := services.WithClaims(c.Request.Context(), claims)
		ctx = logger.WithValue(ctx, logger.SubjectKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireScope checks the claims stored by AuthMiddleware against a
// stricter scope for a single route group.
func RequireScope(authService services.AuthService, required services.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := services.ClaimsFromContext(c.Request.Context())
		if err != nil {
			abortWithError(c, errors.NewUnauthorizedError("authentication required"))
			return
		}
		if err := authService.CheckScope(claims, required); err != nil {
			abortWithError(c, errors.NewForbiddenError("scope "+string(required)+" required"))
			return
		}
		c.Next()
	}
}
