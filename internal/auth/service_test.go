package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"docchat/internal/config"
)

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	if !expires.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expires)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestValidateTokenVerifiesSignature(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "secret"})
	token := signToken(t, "secret", "user-1", time.Now().Add(time.Hour))
	sub, err := svc.ValidateToken(token)
	if err != nil || sub != "user-1" {
		t.Fatalf("ValidateToken failed: sub=%q err=%v", sub, err)
	}

	forged := signToken(t, "other", "user-1", time.Now().Add(time.Hour))
	if _, err := svc.ValidateToken(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	for _, secret := range []string{"secret", ""} {
		svc := NewService(config.AuthConfig{JWTSecret: secret})
		token := signToken(t, "secret", "user-2", time.Now().Add(-time.Minute))
		if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("secret=%q: expected expiration error, got %v", secret, err)
		}
	}
}

func TestValidateTokenUnverifiedMode(t *testing.T) {
	svc := NewService(config.AuthConfig{})
	token := signToken(t, "whatever", "user-3", time.Time{})
	sub, err := svc.ValidateToken(token)
	if err != nil || sub != "user-3" {
		t.Fatalf("unverified parse failed: sub=%q err=%v", sub, err)
	}
	if _, err := svc.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := svc.ValidateToken(""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required error, got %v", err)
	}
}

func TestValidateTokenRequiresSubject(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "secret"})
	token := signToken(t, "secret", "", time.Now().Add(time.Hour))
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func newAuthRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(svc.Middleware(), svc.CSRFMiddleware())
	handler := func(c *gin.Context) {
		sub, _ := SubjectFromContext(c)
		c.String(http.StatusOK, sub)
	}
	router.GET("/whoami", handler)
	router.POST("/mutate", handler)
	return router
}

func TestMiddlewareAcceptsHeaderAndCookie(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "secret"})
	router := newAuthRouter(svc)
	token := signToken(t, "secret", "user-4", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "user-4" {
		t.Fatalf("header auth failed: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "user-4" {
		t.Fatalf("cookie auth failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "secret"})
	router := newAuthRouter(svc)
	token := signToken(t, "secret", "user-5", time.Now().Add(time.Hour))
	authCookie := &http.Cookie{Name: svc.AuthCookieName(), Value: token}
	csrfCookie := &http.Cookie{Name: svc.CSRFCookieName(), Value: "csrf-value"}

	// Cookie auth without a CSRF token is rejected.
	req := httptest.NewRequest(http.MethodPost, "/mutate", nil)
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}

	// Header token matching the cookie passes.
	req = httptest.NewRequest(http.MethodPost, "/mutate", nil)
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	req.Header.Set(svc.CSRFHeaderName(), "csrf-value")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with csrf header, got %d", rec.Code)
	}

	// Form field works for HTML forms.
	form := url.Values{svc.CSRFFormField(): {"csrf-value"}}
	req = httptest.NewRequest(http.MethodPost, "/mutate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with csrf form field, got %d", rec.Code)
	}

	// Bearer requests are exempt.
	req = httptest.NewRequest(http.MethodPost, "/mutate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected bearer request to skip csrf, got %d", rec.Code)
	}
}

func TestMiddlewareCustomHeader(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "secret", HeaderName: "X-Auth-Token"})
	router := newAuthRouter(svc)
	token := signToken(t, "secret", "user-6", time.Now().Add(time.Hour))

	for _, value := range []string{token, "Bearer " + token} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-Auth-Token", value)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != "user-6" {
			t.Fatalf("header %q: got %d %s", value, rec.Code, rec.Body.String())
		}
	}

	// A bare token in the custom header skips csrf like a bearer header.
	req := httptest.NewRequest(http.MethodPost, "/mutate", nil)
	req.Header.Set("X-Auth-Token", token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected custom header request to skip csrf, got %d", rec.Code)
	}

	// The standard header is no longer consulted.
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for Authorization header, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsBareAuthorization(t *testing.T) {
	svc := NewService(config.AuthConfig{JWTSecret: "secret"})
	router := newAuthRouter(svc)
	token := signToken(t, "secret", "user-7", time.Now().Add(time.Hour))

	for _, value := range []string{token, "Basic " + token} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", value)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", value, rec.Code)
		}
	}
}

func TestIssueCSRFCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(config.AuthConfig{})
	router := gin.New()
	router.Use(svc.IssueCSRFCookie())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, CSRFTokenFromContext(c)) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != svc.CSRFCookieName() {
		t.Fatalf("expected csrf cookie, got %#v", cookies)
	}
	if cookies[0].Value != rec.Body.String() || len(cookies[0].Value) != 64 {
		t.Fatalf("csrf token not exposed to handler: cookie=%q body=%q", cookies[0].Value, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "existing"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if len(rec.Result().Cookies()) != 0 || rec.Body.String() != "existing" {
		t.Fatalf("existing csrf cookie should be reused")
	}
}
