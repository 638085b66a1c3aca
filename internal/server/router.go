package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "cvsync_session_claims"
	userIDContextKey = "cvsync_user_id"

	errorCodeUnauthorized   = "unauthorized"
	errorCodeInvalidRequest = "invalid_request"
	errorCodeNotFound       = "not_found"
	errorCodeInternal       = "internal_error"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingCVService        = errors.New("cv service dependency required")
	errMissingUserService      = errors.New("user service dependency required")
)

// SessionValidator authenticates API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// CVStore is the record persistence used by the CV endpoints.
type CVStore interface {
	FetchLatest(ctx context.Context, userID cv.UserID) (*cv.RemoteRecord, error)
	Create(ctx context.Context, request cv.CreateRequest) (cv.RemoteRecord, error)
	Update(ctx context.Context, userID cv.UserID, recordID cv.RecordID, patch cv.UpdatePatch) (cv.RemoteRecord, error)
}

// ProfileStore resolves session claims to profiles.
type ProfileStore interface {
	EnsureProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
	ResolveUserID(ctx context.Context, claims auth.SessionClaims) (cv.UserID, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	CVService        CVStore
	UserService      ProfileStore
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.CVService == nil {
		return nil, errMissingCVService
	}
	if deps.UserService == nil {
		return nil, errMissingUserService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		cvService: deps.CVService,
		profiles:  deps.UserService,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/profile", handler.handleEnsureProfile)
	protected.GET("/cv", handler.handleFetchCV)
	protected.POST("/cv", handler.handleCreateCV)
	protected.PATCH("/cv/:id", handler.handleUpdateCV)

	return router, nil
}

func corsConfig(raw []string) cors.Config {
	origins := normalizeOrigins(raw)
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: len(origins) > 0,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

type httpHandler struct {
	sessions  SessionValidator
	cvService CVStore
	profiles  ProfileStore
	logger    *zap.Logger
}

type createRequestPayload struct {
	Title    string       `json:"title"`
	Document cv.Document  `json:"document"`
	Settings *cv.Settings `json:"settings"`
}

func (h *httpHandler) handleEnsureProfile(c *gin.Context) {
	claims, ok := c.Get(claimsContextKey)
	sessionClaims, typed := claims.(auth.SessionClaims)
	if !ok || !typed {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	profile, err := h.profiles.EnsureProfile(c.Request.Context(), sessionClaims)
	if err != nil {
		h.respondError(c, "ensure profile failed", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleFetchCV(c *gin.Context) {
	userID := cv.UserID(c.GetString(userIDContextKey))
	record, err := h.cvService.FetchLatest(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "fetch cv failed", err)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCreateCV(c *gin.Context) {
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Document == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	record, err := h.cvService.Create(c.Request.Context(), cv.CreateRequest{
		UserID:   cv.UserID(c.GetString(userIDContextKey)),
		Title:    request.Title,
		Document: request.Document,
		Settings: request.Settings,
	})
	if err != nil {
		h.respondError(c, "create cv failed", err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleUpdateCV(c *gin.Context) {
	recordID, err := cv.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	var patch cv.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil || patch.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if _, err := h.cvService.Update(c.Request.Context(), cv.UserID(c.GetString(userIDContextKey)), recordID, patch); err != nil {
		h.respondError(c, "update cv failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	userID, err := h.profiles.ResolveUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(userIDContextKey, userID.String())
	c.Next()
}

// respondError maps service errors to responses carrying the service error code.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	if errors.Is(err, cv.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	}
	if errors.Is(err, cv.ErrEmptyPatch) || errors.Is(err, cv.ErrInvalidRecord) || errors.Is(err, users.ErrInvalidIdentity) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	code := errorCodeInternal
	var serviceErr *cv.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	h.logger.Error(message, zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}

func normalizeOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, origin := range raw {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
