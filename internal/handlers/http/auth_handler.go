package http

import (
	"net/http"
	"strings"
	"time"

	"preflight/internal/core/services"
	"preflight/pkg/errors"
	"preflight/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
	accessTTL   time.Duration
	// messagingUser is the only subject messaging tokens are issued for.
	messagingUser string
}

func NewAuthHandler(authService services.AuthService, accessTTL time.Duration, messagingUser string) *AuthHandler {
	return &AuthHandler{
		authService:   authService,
		accessTTL:     accessTTL,
		messagingUser: messagingUser,
	}
}

// SetupRoutes registers the token routes. Both require a valid token;
// the first operator token is issued from the command line.
func (h *AuthHandler) SetupRoutes(authed, operate *gin.RouterGroup) {
	authed.POST("/auth/refresh", h.RefreshToken)
	operate.POST("/auth/token", h.IssueToken)
}

type IssueTokenRequest struct {
	Subject string         `json:"subject" binding:"required,max=64"`
	Scope   services.Scope `json:"scope" binding:"required,oneof=viewer operator messaging"`
}

type TokenResponse struct {
	AccessToken string         `json:"access_token"`
	Subject     string         `json:"subject"`
	Scope       services.Scope `json:"scope"`
	ExpiresIn   int            `json:"expires_in"`
}

// IssueToken lets an operator mint viewer, operator or messaging tokens.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if err := validation.ValidateIdentifier(req.Subject, "subject"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Scope == services.ScopeMessaging && req.Subject != h.messagingUser {
		c.Error(errors.NewInvalidInputError("messaging tokens are issued for " + h.messagingUser + " only"))
		return
	}

	h.respond(c, http.StatusCreated, req.Subject, req.Scope)
}

// RefreshToken reissues the caller's token with a fresh expiry.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	claims, err := services.ClaimsFromContext(c.Request.Context())
	if err != nil {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	h.respond(c, http.StatusOK, claims.Subject, claims.Scope)
}

func (h *AuthHandler) respond(c *gin.Context, status int, subject string, scope services.Scope) {
	token, err := h.authService.GenerateToken(subject, scope)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}
	c.JSON(status, TokenResponse{
		AccessToken: token,
		Subject:     subject,
		Scope:       scope,
		ExpiresIn:   int(h.accessTTL / time.Second),
	})
}
