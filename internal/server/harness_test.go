package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/auth"
	"github.com/MarcoPoloResearchLab/mealgate/internal/chat"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/meals"
	"github.com/MarcoPoloResearchLab/mealgate/internal/members"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dhaka = time.FixedZone("BST", 6*60*60)

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type testServer struct {
	handler    http.Handler
	clock      *mutableClock
	issuer     *auth.TokenIssuer
	members    *members.Service
	meals      *meals.Service
	chat       *chat.Service
	dispatcher *RealtimeDispatcher
}

func newTestServer(t *testing.T, now time.Time) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&members.Member{}, &meals.Entry{}, &meals.Details{}, &chat.Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &mutableClock{now: now}
	dispatcher := NewRealtimeDispatcher()
	memberService, err := members.NewService(members.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("members service: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{Database: db, Clock: clock.Now, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("chat service: %v", err)
	}
	policy, err := cutoff.NewPolicy(cutoff.Config{MorningHour: 8, NightHour: 17, Location: dhaka})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	enforcer, err := cutoff.NewEnforcer(cutoff.EnforcerConfig{
		Policy:  policy,
		Clock:   clock.Now,
		Members: memberService,
		Sink:    chatService,
	})
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	mealService, err := meals.NewService(meals.ServiceConfig{Database: db, Gate: enforcer, Clock: clock.Now})
	if err != nil {
		t.Fatalf("meals service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      issuer,
		Enforcer:          enforcer,
		MealsService:      mealService,
		ChatService:       chatService,
		Members:           memberService,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testServer{
		handler:    handler,
		clock:      clock,
		issuer:     issuer,
		members:    memberService,
		meals:      mealService,
		chat:       chatService,
		dispatcher: dispatcher,
	}
}

// memberToken registers memberID under name and returns a bearer token for it.
func (s *testServer) memberToken(t *testing.T, memberID, name string) string {
	t.Helper()
	if _, err := s.members.Register(context.Background(), memberID, name); err != nil {
		t.Fatalf("register member: %v", err)
	}
	token, _, err := s.issuer.IssueMemberToken(context.Background(), memberID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
