package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// requireToken authenticates /v1 requests when credentials are configured
// and records the calling actor in the request context. The static admin
// token trusts X-Actor; a signed operator token names the actor in sub.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" && len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actorFromHeader(r))))
			return
		}

		token := extractToken(r)
		if token != "" && s.adminToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1 {
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actorFromHeader(r))))
			return
		}
		if token != "" && len(s.jwtSecret) > 0 {
			actor, err := authenticateJWT(token, s.jwtSecret)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
				return
			}
			s.logger.Debug().Err(err).Msg("operator token rejected")
		}
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token")
	})
}

type operatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// authenticateJWT validates an HS256 operator token and returns its subject.
// The token must carry the admin role.
func authenticateJWT(token string, secret []byte) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &operatorClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	for _, role := range claims.Roles {
		if role == "admin" {
			return claims.Subject, nil
		}
	}
	return "", errors.New("admin role required")
}

func extractToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func actorFromHeader(r *http.Request) string {
	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	if actor == "" {
		actor = "operator"
	}
	return actor
}
