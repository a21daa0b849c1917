package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

const contextKeySubject contextKey = "subject"

// ServiceClaims identifies the calling service. The engine is consumed
// machine-to-machine, so there is no user model behind the token.
type ServiceClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// SubjectFromContext returns the authenticated caller, empty when auth is
// disabled or the middleware did not run.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(contextKeySubject).(string)
	return sub
}

// authMiddleware validates HS256 bearer tokens signed with the configured
// secret and pins the subject on the context.
func authMiddleware(sec config.SecurityConfig, logger *slog.Logger) Middleware {
	secret := []byte(sec.JWTSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="nfe-fraud-engine"`)
				writeError(r.Context(), w, logger,
					errors.NewUnauthorizedError(err.Error()))
				return
			}

			claims, err := parseServiceToken(token, secret)
			if err != nil {
				logger.DebugContext(r.Context(), "token rejected", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="nfe-fraud-engine"`)
				writeError(r.Context(), w, logger,
					errors.NewUnauthorizedError("invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), contextKeySubject, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	return parts[1], nil
}

func parseServiceToken(tokenString string, secret []byte) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// GenerateServiceToken mints a token for a calling service; the token
// issuance tooling and the handler tests share it.
func GenerateServiceToken(secret, subject, scope string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "nfe-fraud-engine",
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope: scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing service token: %w", err)
	}
	return signed, nil
}
