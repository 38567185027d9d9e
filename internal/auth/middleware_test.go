package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.RegisteredClaims, method jwt.SigningMethod, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func noneToken(t *testing.T) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("u")).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign none token: %v", err)
	}
	return signed
}

func validClaims(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func newRouter(t *testing.T, middleware func(*Authenticator) gin.HandlerFunc, audience string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	authn, err := NewAuthenticator(testSecret, audience)
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}
	router := gin.New()
	router.GET("/", middleware(authn), func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})
	return router
}

func serve(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewAuthenticator("  ", ""); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestRequiredMiddleware(t *testing.T) {
	router := newRouter(t, (*Authenticator).Required, "")

	resp := serve(router, "Bearer "+signToken(t, validClaims("user-1"), jwt.SigningMethodHS256, testSecret))
	if resp.Code != http.StatusOK || resp.Body.String() != "user-1" {
		t.Fatalf("expected user-1, got %d %q", resp.Code, resp.Body.String())
	}

	cases := map[string]string{
		"missing header":   "",
		"wrong scheme":     "Basic abc",
		"empty token":      "Bearer  ",
		"wrong secret":     "Bearer " + signToken(t, validClaims("u"), jwt.SigningMethodHS256, "other"),
		"missing subject":  "Bearer " + signToken(t, validClaims(""), jwt.SigningMethodHS256, testSecret),
		"expired":          "Bearer " + signToken(t, jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}, jwt.SigningMethodHS256, testSecret),
		"no expiry":        "Bearer " + signToken(t, jwt.RegisteredClaims{Subject: "u"}, jwt.SigningMethodHS256, testSecret),
		"unsupported algo": "Bearer " + noneToken(t),
	}
	for name, header := range cases {
		if resp := serve(router, header); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestRequiredMiddlewareChecksAudience(t *testing.T) {
	router := newRouter(t, (*Authenticator).Required, "poultry")

	claims := validClaims("user-1")
	if resp := serve(router, "Bearer "+signToken(t, claims, jwt.SigningMethodHS256, testSecret)); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without audience, got %d", resp.Code)
	}

	claims.Audience = jwt.ClaimStrings{"poultry"}
	if resp := serve(router, "Bearer "+signToken(t, claims, jwt.SigningMethodHS256, testSecret)); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with audience, got %d", resp.Code)
	}
}

func TestOptionalMiddleware(t *testing.T) {
	router := newRouter(t, (*Authenticator).Optional, "")

	resp := serve(router, "")
	if resp.Code != http.StatusOK || resp.Body.String() != "" {
		t.Fatalf("expected anonymous pass-through, got %d %q", resp.Code, resp.Body.String())
	}

	resp = serve(router, "Bearer "+signToken(t, validClaims("user-2"), jwt.SigningMethodHS512, testSecret))
	if resp.Code != http.StatusOK || resp.Body.String() != "user-2" {
		t.Fatalf("expected user-2, got %d %q", resp.Code, resp.Body.String())
	}

	if resp := serve(router, "Bearer garbage"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", resp.Code)
	}
}
