package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/amberbase/amberbase/channels"
	"github.com/amberbase/amberbase/collections"
	"github.com/amberbase/amberbase/connection"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminRole          = "admin"
	defaultIdleTimeout = 60 * time.Second
	sessionContextKey  = "amber_session"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRegistry         = errors.New("connection registry dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// Dependencies wires the collaborators the HTTP surface needs.
type Dependencies struct {
	Sessions       SessionValidator
	Registry       *connection.Registry
	Collections    *collections.Engine
	Channels       *channels.Engine
	IdleTimeout    time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the realtime endpoint, the
// health probe and the admin stats endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idleTimeout := deps.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	realtime := newRealtimeHandler(deps.Registry, deps.Sessions, idleTimeout, allowedOrigins, logger)
	handler := &httpHandler{
		sessions:    deps.Sessions,
		registry:    deps.Registry,
		collections: deps.Collections,
		channels:    deps.Channels,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/realtime", func(c *gin.Context) {
		realtime.serveHTTP(c.Writer, c.Request)
	})

	guarded := router.Group("/")
	guarded.Use(handler.authorizeAdmin)
	guarded.GET("/statsz", handler.handleStats)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	registry    *connection.Registry
	collections *collections.Engine
	channels    *channels.Engine
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	session, err := h.sessions.ValidateSessionToken(token)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !hasRole(session.Roles, adminRole) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func hasRole(roles []string, role string) bool {
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}
