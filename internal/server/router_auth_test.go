package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/meals", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/meals", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	server := newTestServer(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka))
	token := server.memberToken(t, "member-1", "Rahim")

	if recorder := server.do(t, http.MethodGet, "/messages", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/messages?access_token="+token, "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("query tokens are only accepted on stream routes, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/messages", token, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", recorder.Code)
	}
}

func TestUnknownMemberIsForbidden(t *testing.T) {
	server := newTestServer(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka))
	token, _, err := server.issuer.IssueMemberToken(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/messages", token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unregistered member, got %d", recorder.Code)
	}
}

func TestPublicRoutesSkipAuthorization(t *testing.T) {
	server := newTestServer(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka))

	for _, path := range []string{"/healthz", "/time", "/cutoff/config"} {
		if recorder := server.do(t, http.MethodGet, path, "", nil); recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
	}
}

type stubTokenManager struct {
	validateErr error
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	return "", s.validateErr
}
