package httpapi_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/bountyhub/bountyhub/internal/api/http"
)

func signOperatorToken(t *testing.T, secret, subject string, roles []string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestOperatorJWT(t *testing.T) {
	const secret = "jwt-secret"
	h := newHarness(t, httpapi.WithJWTSecret(secret))
	id := h.addNotification(t)

	cases := []struct {
		name  string
		token string
	}{
		{"wrong secret", signOperatorToken(t, "other", "ops-lee", []string{"admin"}, jwt.SigningMethodHS256)},
		{"missing admin role", signOperatorToken(t, secret, "ops-lee", []string{"viewer"}, jwt.SigningMethodHS256)},
		{"no subject", signOperatorToken(t, secret, "", []string{"admin"}, jwt.SigningMethodHS256)},
		{"other algorithm", signOperatorToken(t, secret, "ops-lee", []string{"admin"}, jwt.SigningMethodHS512)},
		{"not a jwt", "garbage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodGet, "/v1/queue/stats", "", "Authorization", "Bearer "+tc.token)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "UNAUTHORIZED", body["error"])
		})
	}

	token := signOperatorToken(t, secret, "ops-lee", []string{"admin"}, jwt.SigningMethodHS256)
	resp, body := h.do(t, http.MethodPost, "/v1/queue/tasks/"+id+"/cancel", "",
		"Authorization", "Bearer "+token, "X-Actor", "spoofed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled by ops-lee", body["error"], "actor comes from the token subject")
}

func TestAdminTokenAndJWTTogether(t *testing.T) {
	h := newHarness(t, httpapi.WithAdminToken("s3cret"), httpapi.WithJWTSecret("jwt-secret"))

	resp, _ := h.do(t, http.MethodGet, "/v1/queue/stats", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token := signOperatorToken(t, "jwt-secret", "ops-lee", []string{"admin"}, jwt.SigningMethodHS256)
	resp, _ = h.do(t, http.MethodGet, "/v1/queue/stats", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/queue/stats", "", "Authorization", "Basic s3cret")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
