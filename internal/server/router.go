package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/auth"
	"github.com/MarcoPoloResearchLab/dotmap/internal/markers"
	"github.com/MarcoPoloResearchLab/dotmap/internal/realtime"
	"github.com/MarcoPoloResearchLab/dotmap/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "dotmap_user_id"
	communityQueryParameter  = "community"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingSessionVerifier = errors.New("session validator dependency required")
	errMissingUserRegistry    = errors.New("user registry dependency required")
	errMissingMarkerStore     = errors.New("marker store dependency required")
	errMissingRealtime        = errors.New("realtime dispatcher dependency required")
)

// SessionTokenIssuer signs tokens for newly registered users.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
}

// SessionVerifier authenticates requests.
type SessionVerifier interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

// UserRegistry creates and resolves anonymous users.
type UserRegistry interface {
	RegisterAnonymous(ctx context.Context) (users.Identity, error)
	ResolveUserID(ctx context.Context, userID string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenIssuer       SessionTokenIssuer
	Sessions          SessionVerifier
	Users             UserRegistry
	MarkerStore       *markers.Service
	Realtime          *realtime.Dispatcher
	Publisher         realtime.Publisher
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	Logger            *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.Users == nil {
		return nil, errMissingUserRegistry
	}
	if deps.MarkerStore == nil {
		return nil, errMissingMarkerStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = deps.Realtime
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:            deps.TokenIssuer,
		sessions:          deps.Sessions,
		users:             deps.Users,
		markerStore:       deps.MarkerStore,
		realtime:          deps.Realtime,
		publisher:         publisher,
		heartbeatInterval: heartbeat,
		logger:            logger,
		clock:             time.Now,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/anonymous", handler.handleAnonymousAuth)

	api := router.Group("/")
	api.Use(handler.authorizeRequest)
	api.GET("/markers", handler.handleListMarkers)
	api.POST("/markers", handler.handleCreateMarker)
	api.DELETE("/markers/:id", handler.handleDeleteMarker)
	api.GET("/markers/stream", handler.handleMarkerStream)
	api.GET("/communities", handler.handleListCommunities)
	api.POST("/communities", handler.handleCreateCommunity)
	api.PATCH("/communities/:id", handler.handleRenameCommunity)
	api.DELETE("/communities/:id", handler.handleDeleteCommunity)
	api.GET("/communities/stream", handler.handleCommunityStream)

	return router, nil
}

// corsMiddleware admits any origin for bearer-token requests. Credentialed requests,
// which carry the session cookie, are only allowed from the listed origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
		return cors.New(config)
	}
	config.AllowOrigins = allowedOrigins
	config.AllowCredentials = true
	return cors.New(config)
}

type httpHandler struct {
	tokens            SessionTokenIssuer
	sessions          SessionVerifier
	users             UserRegistry
	markerStore       *markers.Service
	realtime          *realtime.Dispatcher
	publisher         realtime.Publisher
	heartbeatInterval time.Duration
	logger            *zap.Logger
	clock             func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type anonymousAuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleAnonymousAuth(c *gin.Context) {
	identity, err := h.users.RegisterAnonymous(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to register anonymous user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_in_failed"})
		return
	}
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(expiresIn),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	c.JSON(http.StatusOK, anonymousAuthResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		UserID:      identity.UserID,
	})
}

// authorizeRequest attaches the caller's user id when a session token is present.
// Requests without a token proceed anonymously; a bad token is rejected.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		c.Next()
		return
	}
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			level = zap.InfoLevel
		}
		if entry := h.logger.Check(level, "token validation failed"); entry != nil {
			entry.Write(zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveUserID(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Warn("failed to resolve user", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) publish(eventType, scopeKey string, markerIDs ...string) {
	h.publisher.Publish(realtime.Message{
		Scope:     scopeKey,
		EventType: eventType,
		MarkerIDs: markerIDs,
		Timestamp: h.clock().UTC(),
	})
}

func parseScopeParameter(c *gin.Context) (markers.Scope, bool) {
	scope, err := markers.ParseScope(c.Query(communityQueryParameter))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return markers.Scope{}, false
	}
	return scope, true
}

func (h *httpHandler) respondStoreError(c *gin.Context, errorCode string, err error) {
	if errors.Is(err, markers.ErrCommunityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "community_not_found"})
		return
	}
	h.logger.Error("marker store request failed", zap.String("error_code", errorCode), zap.Error(err))
	payload := gin.H{"error": errorCode}
	var serviceErr *markers.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	c.JSON(http.StatusInternalServerError, payload)
}

func trimmedParam(c *gin.Context, name string) string {
	return strings.TrimSpace(c.Param(name))
}
