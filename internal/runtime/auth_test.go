package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/open-fiscus/fiscus/config"
)

func TestLoadJWTSecretPreference(t *testing.T) {
	cfg := &config.Config{}
	if _, err := LoadJWTSecret(cfg); err == nil {
		t.Fatalf("expected error when no secret configured")
	}
	cfg.General.JWTSecret = "general-secret"
	secret, err := LoadJWTSecret(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(secret) != "general-secret" {
		t.Fatalf("secret = %s", secret)
	}
	cfg.Server.JWTSecret = "server-secret"
	secret, err = LoadJWTSecret(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(secret) != "server-secret" {
		t.Fatalf("server secret must win, got %s", secret)
	}
}

func authTestServer(secret []byte, middleware ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	handlers := append([]echo.MiddlewareFunc{EchoAuthMiddleware(secret)}, middleware...)
	e.GET("/me", func(c echo.Context) error {
		sub, ok := SubjectFromContext(c.Request().Context())
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError, "subject missing")
		}
		return c.String(http.StatusOK, sub)
	}, handlers...)
	return e
}

func TestEchoAuthMiddlewareBearer(t *testing.T) {
	secret := []byte("tok-secret")
	token, err := SignJWT("user-1", secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := authTestServer(secret)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "user-1" {
		t.Fatalf("subject = %s", rec.Body.String())
	}
}

func TestEchoAuthMiddlewareCookie(t *testing.T) {
	secret := []byte("tok-secret")
	token, err := SignJWT("user-2", secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := authTestServer(secret)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "user-2" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestEchoAuthMiddlewareRejects(t *testing.T) {
	secret := []byte("tok-secret")
	e := authTestServer(secret)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}

	other, err := SignJWT("user-3", []byte("different-secret"), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d", rec.Code)
	}

	expired, err := SignJWT("user-4", secret, -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status = %d", rec.Code)
	}
}

func TestParseJWTRejectsForeignIssuer(t *testing.T) {
	secret := []byte("tok-secret")
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "user-6",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := foreign.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := ParseJWT(signed, secret); err == nil {
		t.Fatal("a token minted elsewhere must not validate, even with our secret")
	}

	ours, err := SignJWT("user-6", secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseJWT(ours, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-6" {
		t.Fatalf("subject = %s", claims.Subject)
	}
}

func TestRequireScopes(t *testing.T) {
	secret := []byte("tok-secret")
	e := authTestServer(secret, RequireScopes("ops"))

	plain, err := SignJWT("user-5", secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("token without scope: status = %d", rec.Code)
	}

	scoped, err := SignJWT("operator", secret, time.Minute, "ops")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+scoped)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "operator" {
		t.Fatalf("scoped token: status = %d body = %s", rec.Code, rec.Body.String())
	}
}
