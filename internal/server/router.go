package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/diffye/ctf-backend/internal/auth"
	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/pool"
	"github.com/diffye/ctf-backend/internal/stats"
	"github.com/diffye/ctf-backend/internal/submissions"
	"github.com/diffye/ctf-backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	transportContextKey      = "ctf_transport"
	defaultHeartbeatInterval = 15 * time.Second
	healthTimeout            = 2 * time.Second
	maxSubmissionBodyBytes   = 64 << 10
)

var (
	errMissingSubmissions   = errors.New("submission service dependency required")
	errMissingStats         = errors.New("stats dependency required")
	errMissingOverview      = errors.New("overview dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SubmissionService is satisfied by *submissions.Service.
type SubmissionService interface {
	Submit(ctx context.Context, userID string, challengeID string, rawFlag string) submissions.Result
	Register(ctx context.Context, userID string, displayName string) (users.User, error)
	Deactivate(ctx context.Context, userID string) error
}

// StatsReader is satisfied by *stats.Aggregator.
type StatsReader interface {
	UserStats(ctx context.Context, userID string) (stats.UserStats, error)
	ChallengeStats(ctx context.Context, challengeID string) (stats.ChallengeStats, error)
}

// OverviewReader is satisfied by *stats.Refresher and *stats.Aggregator.
type OverviewReader interface {
	Overview(ctx context.Context) (stats.Overview, error)
}

// ChallengeLister is satisfied by *challenges.Catalogue.
type ChallengeLister interface {
	List(ctx context.Context) ([]challenges.Challenge, error)
}

// HealthChecker is satisfied by *pool.Pool.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RequestValidator is satisfied by *auth.TokenValidator.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.TransportClaims, error)
}

// Dependencies wires the HTTP surface. Tokens, Challenges, Feed, Health and
// Metrics are optional; a nil Tokens leaves the API open.
type Dependencies struct {
	Submissions       SubmissionService
	Stats             StatsReader
	Overview          OverviewReader
	Challenges        ChallengeLister
	Health            HealthChecker
	Tokens            RequestValidator
	Feed              *SolveFeed
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the transport API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Submissions == nil {
		return nil, errMissingSubmissions
	}
	if deps.Stats == nil {
		return nil, errMissingStats
	}
	if deps.Overview == nil {
		return nil, errMissingOverview
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		submissions: deps.Submissions,
		stats:       deps.Stats,
		overview:    deps.Overview,
		challenges:  deps.Challenges,
		health:      deps.Health,
		tokens:      deps.Tokens,
		feed:        deps.Feed,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/v1")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	api.POST("/submissions", handler.handleSubmission)
	api.POST("/users", handler.handleRegister)
	api.DELETE("/users/:id", handler.handleDeactivate)
	api.GET("/stats", handler.handleOverview)
	api.GET("/stats/users/:id", handler.handleUserStats)
	api.GET("/stats/challenges/:id", handler.handleChallengeStats)
	if deps.Challenges != nil {
		api.GET("/challenges", handler.handleChallenges)
	}
	if deps.Feed != nil {
		api.GET("/solves/stream", handler.handleSolveStream)
	}

	return router, nil
}

type httpHandler struct {
	submissions SubmissionService
	stats       StatsReader
	overview    OverviewReader
	challenges  ChallengeLister
	health      HealthChecker
	tokens      RequestValidator
	feed        *SolveFeed
	heartbeat   time.Duration
	logger      *zap.Logger
}

type submissionRequestPayload struct {
	UserID      string `json:"user_id"`
	ChallengeID string `json:"challenge_id"`
	Flag        string `json:"flag"`
}

type submissionResponsePayload struct {
	Outcome           submissions.Outcome `json:"outcome"`
	Message           string              `json:"message"`
	Retryable         bool                `json:"retryable"`
	RetryAfterSeconds int64               `json:"retry_after_seconds,omitempty"`
	ElapsedMs         int64               `json:"elapsed_ms"`
	Points            int                 `json:"points,omitempty"`
	FirstBlood        bool                `json:"first_blood,omitempty"`
	AvailableAt       *time.Time          `json:"available_at,omitempty"`
}

// handleSubmission always answers 200 once the body parses; the outcome carries the verdict.
// Field contents are left to Submit so bad ids and flags come back as outcomes.
func (h *httpHandler) handleSubmission(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmissionBodyBytes)
	var request submissionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result := h.submissions.Submit(c.Request.Context(), request.UserID, request.ChallengeID, request.Flag)

	response := submissionResponsePayload{
		Outcome:    result.Outcome,
		Message:    result.Message,
		Retryable:  result.Outcome.Retryable(),
		ElapsedMs:  result.Elapsed.Milliseconds(),
		Points:     result.Points,
		FirstBlood: result.FirstBlood,
	}
	if result.RetryAfter > 0 {
		response.RetryAfterSeconds = int64(math.Ceil(result.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.FormatInt(response.RetryAfterSeconds, 10))
	}
	if !result.AvailableAt.IsZero() {
		availableAt := result.AvailableAt.UTC()
		response.AvailableAt = &availableAt
	}
	c.JSON(http.StatusOK, response)
}

type registerRequestPayload struct {
	UserID      string `json:"user_id" binding:"required,max=190"`
	DisplayName string `json:"display_name" binding:"max=320"`
}

type userResponsePayload struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	JoinedAt    time.Time `json:"joined_at"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.submissions.Register(c.Request.Context(), request.UserID, request.DisplayName)
	if err != nil {
		h.writeError(c, "register user", err)
		return
	}
	c.JSON(http.StatusOK, userResponsePayload{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		Active:      user.IsActive,
		JoinedAt:    time.UnixMilli(user.JoinedAtMs).UTC(),
	})
}

func (h *httpHandler) handleDeactivate(c *gin.Context) {
	if err := h.submissions.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, "deactivate user", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleOverview(c *gin.Context) {
	overview, err := h.overview.Overview(c.Request.Context())
	if err != nil {
		h.writeError(c, "load overview", err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *httpHandler) handleUserStats(c *gin.Context) {
	userStats, err := h.stats.UserStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "load user stats", err)
		return
	}
	c.JSON(http.StatusOK, userStats)
}

func (h *httpHandler) handleChallengeStats(c *gin.Context) {
	challengeStats, err := h.stats.ChallengeStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "load challenge stats", err)
		return
	}
	c.JSON(http.StatusOK, challengeStats)
}

type challengePayload struct {
	ChallengeID string     `json:"challenge_id"`
	Title       string     `json:"title"`
	Category    string     `json:"category"`
	Points      int        `json:"points"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
}

func (h *httpHandler) handleChallenges(c *gin.Context) {
	list, err := h.challenges.List(c.Request.Context())
	if err != nil {
		h.writeError(c, "list challenges", err)
		return
	}
	response := make([]challengePayload, 0, len(list))
	for _, challenge := range list {
		payload := challengePayload{
			ChallengeID: challenge.ChallengeID,
			Title:       challenge.Title,
			Category:    challenge.Category,
			Points:      challenge.Points,
		}
		if availableAt := challenge.AvailableAt(); !availableAt.IsZero() {
			payload.AvailableAt = &availableAt
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, gin.H{"challenges": response})
}

// handleSolveStream relays solve events as server-sent events until the client goes away.
func (h *httpHandler) handleSolveStream(c *gin.Context) {
	ctx := c.Request.Context()
	filter := c.Query("challenge_id")
	if filter != "" {
		id, err := challenges.NewChallengeID(filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_challenge_id"})
			return
		}
		filter = id
	}

	events, cleanup := h.feed.Subscribe(ctx, filter)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventSolve, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.health.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(transportContextKey, claims.Subject)
	c.Next()
}

// writeError maps domain errors onto HTTP statuses; anything unexpected is logged and hidden.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, users.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
	case errors.Is(err, challenges.ErrInvalidChallengeID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_challenge_id"})
	case errors.Is(err, users.ErrUnknownUser):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
	case errors.Is(err, challenges.ErrUnknownChallenge):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_challenge"})
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed), pool.IsTransient(err):
		h.logger.Warn("request deferred", zap.String("operation", operation), zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
	default:
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("transport", c.GetString(transportContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
