package http

import (
	"encoding/json"
	"net/http"
	"testing"

	"preflight/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_IssueToken(t *testing.T) {
	f := newFixture(t, true)
	operator, err := f.auth.GenerateToken("ops", services.ScopeOperator)
	require.NoError(t, err)
	viewer, err := f.auth.GenerateToken("alice", services.ScopeViewer)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/auth/token", `{"subject":"bob","scope":"viewer"}`, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bob", resp.Subject)
	assert.Equal(t, services.ScopeViewer, resp.Scope)

	claims, err := f.auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)

	// messaging tokens only for the configured messaging user
	w = f.do(http.MethodPost, "/api/v1/auth/token", `{"subject":"testuser2","scope":"messaging"}`, operator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NoError(t, f.auth.ValidateMessagingToken("testuser2", resp.AccessToken))

	w = f.do(http.MethodPost, "/api/v1/auth/token", `{"subject":"mallory","scope":"messaging"}`, operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/auth/token", `{"subject":"bob","scope":"root"}`, operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/auth/token", `{"subject":"bob smith","scope":"viewer"}`, operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))

	w = f.do(http.MethodPost, "/api/v1/auth/token", `{"subject":"bob","scope":"viewer"}`, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthHandler_RefreshToken(t *testing.T) {
	f := newFixture(t, true)
	viewer, err := f.auth.GenerateToken("alice", services.ScopeViewer)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/auth/refresh", "", viewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Subject)
	assert.Equal(t, services.ScopeViewer, resp.Scope)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/v1/auth/refresh", "", "").Code)
}
