package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/auth"
	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"github.com/MarcoPoloResearchLab/streaks/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const claimsContextKey = "streaks_claims"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTrackingService  = errors.New("tracking service dependency required")
	errMissingUserService      = errors.New("user service dependency required")
)

// SessionValidator validates bearer tokens.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	SessionValidator SessionValidator
	TrackingService  *tracking.Service
	UserService      *users.Service
	MetricsHandler   http.Handler
	Logger           *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TrackingService == nil {
		return nil, errMissingTrackingService
	}
	if deps.UserService == nil {
		return nil, errMissingUserService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator: deps.SessionValidator,
		tracking:  deps.TrackingService,
		users:     deps.UserService,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)

	protected.POST("/observations", handler.requireRole(auth.RolePoller), handler.handleIngest)
	protected.POST("/observations/batch", handler.requireRole(auth.RolePoller), handler.handleIngestBatch)

	protected.POST("/users", handler.requireRole(auth.RoleAdmin), handler.handleUpsertUser)
	protected.DELETE("/users/:user_id", handler.requireRole(auth.RoleAdmin), handler.handleRetireUser)
	protected.POST("/users/:user_id/recompute", handler.requireRole(auth.RoleAdmin), handler.handleRecompute)
	protected.GET("/github-users/:github_user_id", handler.requireRole(auth.RolePoller, auth.RoleAdmin), handler.handleResolveUser)

	protected.GET("/users/:user_id/repositories", handler.handleListRepositories)
	protected.POST("/users/:user_id/repositories", handler.handleRegisterRepository)
	protected.DELETE("/repositories/:repository_id", handler.handleRemoveRepository)

	protected.GET("/users/:user_id/days", handler.handleListDays)
	protected.GET("/users/:user_id/streaks/active", handler.handleActiveStreak)
	protected.GET("/users/:user_id/streaks", handler.handleStreakHistory)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	validator SessionValidator
	tracking  *tracking.Service
	users     *users.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateToken(bearerToken(c.GetHeader("Authorization")))
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.invalid_token"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// requireRole admits callers holding any of the roles.
func (h *httpHandler) requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := sessionClaims(c)
		if ok {
			for _, role := range roles {
				if claims.HasRole(role) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "auth.role_required"})
	}
}

// authorizeUser admits admins and the user themselves.
func (h *httpHandler) authorizeUser(c *gin.Context, userID string) bool {
	claims, ok := sessionClaims(c)
	if ok && (claims.HasRole(auth.RoleAdmin) || claims.Subject == userID) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "auth.not_owner"})
	return false
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}
