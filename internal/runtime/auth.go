package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/open-fiscus/fiscus/config"
)

// SessionCookie carries the access token for browser sessions; API
// clients send the same token as a bearer header instead.
const SessionCookie = "fiscus_session"

const tokenIssuer = "fiscus"

// AccessClaims is the token payload: the registered subject identifies
// the user (or the operator a CLI token was minted for), scopes gate the
// privileged route groups.
type AccessClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// LoadJWTSecret resolves the shared JWT secret from config.
// Preference order: server.jwt_secret then general.jwt_secret; either may
// arrive through the FISCUS_* environment.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Server.JWTSecret != "" {
		return []byte(cfg.Server.JWTSecret), nil
	}
	if cfg.General.JWTSecret != "" {
		return []byte(cfg.General.JWTSecret), nil
	}
	return nil, errors.New("jwt secret not configured (server.jwt_secret or general.jwt_secret)")
}

// SignJWT issues a signed token for the subject with the given TTL and
// optional scopes.
func SignJWT(subject string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseJWT validates a token string and returns its claims. Only HS256
// tokens minted by this service pass; anything else is an error.
func ParseJWT(tok string, secret []byte) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("token claims invalid")
	}
	return claims, nil
}

// EchoAuthMiddleware validates the access token from the Authorization
// header or the session cookie and threads subject and scopes into the
// request context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			claims, err := ParseJWT(tok, secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			reqCtx := context.WithValue(c.Request().Context(), subjectKey{}, claims.Subject)
			c.Set("user_id", claims.Subject)
			if len(claims.Scopes) > 0 {
				reqCtx = context.WithValue(reqCtx, scopeKey{}, claims.Scopes)
				c.Set("scopes", claims.Scopes)
			}
			c.SetRequest(c.Request().WithContext(reqCtx))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if ck, err := c.Cookie(SessionCookie); err == nil {
		return ck.Value
	}
	return ""
}

// ContextWithSubject attaches a subject outside the HTTP path, e.g. in the
// queue worker where runs carry the enqueuing user.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

type subjectKey struct{}

// SubjectFromContext returns the token subject stored by the middleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok
}

type scopeKey struct{}

// ScopesFromContext returns the scopes stored by the middleware.
func ScopesFromContext(ctx context.Context) ([]string, bool) {
	if ctx == nil {
		return nil, false
	}
	scopes, ok := ctx.Value(scopeKey{}).([]string)
	return scopes, ok
}

// RequireScopes rejects callers whose token lacks any of the required
// scopes. It must run after EchoAuthMiddleware.
func RequireScopes(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			held, _ := c.Get("scopes").([]string)
			for _, want := range required {
				if want = strings.TrimSpace(want); want == "" {
					continue
				}
				if !hasScope(held, want) {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+want)
				}
			}
			return next(c)
		}
	}
}

func hasScope(scopes []string, target string) bool {
	for _, s := range scopes {
		if s == target {
			return true
		}
	}
	return false
}
