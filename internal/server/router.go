// Package server exposes the mealgate HTTP API: authoritative time, cutoff validation,
// meal registration and the mess chat with its live streams.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/chat"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/meals"
	"github.com/MarcoPoloResearchLab/mealgate/internal/members"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	memberIDContextKey       = "mealgate_member_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingEnforcer      = errors.New("cutoff enforcer dependency required")
	errMissingMealsService  = errors.New("meals service dependency required")
	errMissingChatService   = errors.New("chat service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates member bearer tokens and returns the member id.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// MemberDirectory confirms that a token subject is a registered member.
type MemberDirectory interface {
	DisplayName(ctx context.Context, memberID string) (string, error)
}

type Dependencies struct {
	TokenManager      TokenManager
	Enforcer          *cutoff.Enforcer
	MealsService      *meals.Service
	ChatService       *chat.Service
	Members           MemberDirectory
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Enforcer == nil {
		return nil, errMissingEnforcer
	}
	if deps.MealsService == nil {
		return nil, errMissingMealsService
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		enforcer:          deps.Enforcer,
		meals:             deps.MealsService,
		chat:              deps.ChatService,
		members:           deps.Members,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/time", handler.handleTime)
	router.GET("/cutoff/config", handler.handleCutoffConfig)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/cutoff/validate", handler.handleCutoffValidate)
	protected.POST("/meals/add", handler.handleMealAdd)
	protected.POST("/meals/remove", handler.handleMealRemove)
	protected.POST("/meals/quantity", handler.handleMealQuantity)
	protected.POST("/meals/details", handler.handleMealDetails)
	protected.GET("/meals", handler.handleMealList)
	protected.POST("/messages", handler.handleMessagePost)
	protected.GET("/messages", handler.handleMessageList)

	streams := router.Group("/messages")
	streams.Use(handler.authorizeStream)
	streams.GET("/stream", handler.handleMessageStream)
	streams.GET("/ws", handler.handleMessageSocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenManager
	enforcer          *cutoff.Enforcer
	meals             *meals.Service
	chat              *chat.Service
	members           MemberDirectory
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type timeResponsePayload struct {
	ServerTime   string `json:"server_time"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

type cutoffConfigPayload struct {
	MorningHour  int    `json:"morning_hour"`
	NightHour    int    `json:"night_hour"`
	Timezone     string `json:"timezone"`
	MorningLabel string `json:"morning_label"`
	NightLabel   string `json:"night_label"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleTime(c *gin.Context) {
	now := h.enforcer.Now().UTC()
	c.JSON(http.StatusOK, timeResponsePayload{
		ServerTime:   now.Format(time.RFC3339Nano),
		ServerTimeMs: now.UnixMilli(),
	})
}

func (h *httpHandler) handleCutoffConfig(c *gin.Context) {
	policy := h.enforcer.Policy()
	c.JSON(http.StatusOK, cutoffConfigPayload{
		MorningHour:  policy.CutoffHour(cutoff.PeriodMorning),
		NightHour:    policy.CutoffHour(cutoff.PeriodNight),
		Timezone:     policy.Location().String(),
		MorningLabel: policy.CutoffLabel(cutoff.PeriodMorning),
		NightLabel:   policy.CutoffLabel(cutoff.PeriodNight),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, bearerToken(c))
}

// authorizeStream also accepts ?access_token= because EventSource cannot set headers.
func (h *httpHandler) authorizeStream(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	h.authorize(c, token)
}

func (h *httpHandler) authorize(c *gin.Context, token string) {
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.members != nil {
		if _, err := h.members.DisplayName(c.Request.Context(), subject); err != nil {
			if errors.Is(err, members.ErrUnknownMember) {
				h.logger.Warn("token for unknown member", zap.String("member_id", subject))
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown_member"})
				return
			}
			h.logger.Error("member lookup failed", zap.String("member_id", subject), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "member_lookup_failed"})
			return
		}
	}
	c.Set(memberIDContextKey, subject)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func currentMember(c *gin.Context) (string, bool) {
	memberID := c.GetString(memberIDContextKey)
	if memberID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return memberID, true
}
