package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/jukebox/internal/auth"
	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
	"github.com/MarcoPoloResearchLab/jukebox/internal/kiosk"
	"github.com/MarcoPoloResearchLab/jukebox/internal/playqueue"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
)

const (
	adminSubjectContextKey = "jukebox_admin_subject"
	adminSubject           = "admin"

	defaultLoginPerMinute    = 5
	defaultHeartbeatInterval = 25 * time.Second
	defaultLogLimit          = 100
)

var (
	errMissingKioskService  = errors.New("kiosk service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPINVerifier   = errors.New("pin verifier dependency required")
	errMissingEventSource   = errors.New("event bus or realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// KioskService is the kiosk surface exposed over HTTP.
type KioskService interface {
	Balance() int
	QueueSnapshot() ([]playqueue.Entry, int)
	Quote(videoID string, premium bool) kiosk.Quote
	Select(videoID, title string, premium bool) (kiosk.Selection, error)
	AddBackground(videoID, title string) (playqueue.Entry, error)
	Next() (playqueue.Entry, bool)
	AddCredits(amount int) (int, error)
	EmergencyStop(reason string) kiosk.StopResult
	Reset(reason string)
	ConnectHardware(ctx context.Context, portName string) bool
	DisconnectHardware() error
	HardwareStatus() kiosk.HardwareStatus
	Logs(ctx context.Context, limit int) ([]storage.DiagnosticLog, error)
	RotateAPIKey(key string) (string, error)
}

type AdminTokenManager interface {
	IssueAdminToken(subject string) (string, int64, error)
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

type PINVerifier interface {
	Verify(candidate string) error
}

type Dependencies struct {
	Kiosk             KioskService
	Tokens            AdminTokenManager
	PIN               PINVerifier
	Bus               *events.Bus
	Realtime          *RealtimeDispatcher
	Metrics           http.Handler
	Logger            *zap.Logger
	LoginPerMinute    int
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Kiosk == nil {
		return nil, errMissingKioskService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.PIN == nil {
		return nil, errMissingPINVerifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	realtime := deps.Realtime
	if realtime == nil {
		if deps.Bus == nil {
			return nil, errMissingEventSource
		}
		realtime = NewRealtimeDispatcher()
		if err := realtime.Attach(deps.Bus); err != nil {
			return nil, err
		}
	}

	perMinute := deps.LoginPerMinute
	if perMinute <= 0 {
		perMinute = defaultLoginPerMinute
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		kiosk:             deps.Kiosk,
		tokens:            deps.Tokens,
		pin:               deps.PIN,
		bus:               deps.Bus,
		realtime:          realtime,
		logger:            logger,
		loginLimiter:      rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		heartbeatInterval: heartbeat,
		upgrader:          newUpgrader(),
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/credits", handler.handleCredits)
	router.GET("/queue", handler.handleQueue)
	router.POST("/quote", handler.handleQuote)
	router.POST("/selections", handler.handleSelection)
	router.POST("/queue/background", handler.handleBackground)
	router.POST("/player/next", handler.handleNext)
	router.GET("/events", handler.streamEvents(AudiencePublic))
	router.GET("/events/ws", handler.handleEventsWebSocket)
	router.POST("/admin/login", handler.handleAdminLogin)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest)
	admin.POST("/credits", handler.handleAddCredits)
	admin.POST("/emergency-stop", handler.handleEmergencyStop)
	admin.POST("/reset", handler.handleReset)
	admin.POST("/hardware/connect", handler.handleConnectHardware)
	admin.POST("/hardware/disconnect", handler.handleDisconnectHardware)
	admin.GET("/hardware", handler.handleHardwareStatus)
	admin.GET("/logs", handler.handleLogs)
	admin.POST("/api-key", handler.handleRotateAPIKey)
	admin.GET("/events", handler.streamEvents(AudienceAdmin))

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
	kiosk             KioskService
	tokens            AdminTokenManager
	pin               PINVerifier
	bus               *events.Bus
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	loginLimiter      *rate.Limiter
	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader
}

type entryPayload struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"video_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Deposit    bool      `json:"deposit"`
	Paid       bool      `json:"paid"`
	Credits    int       `json:"credits"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func newEntryPayload(entry playqueue.Entry) entryPayload {
	payload := entryPayload{
		ID:         entry.ID,
		Deposit:    entry.IsDeposit(),
		Paid:       entry.Paid,
		Credits:    entry.Credits,
		EnqueuedAt: entry.EnqueuedAt.UTC(),
	}
	if request, ok := entry.Request(); ok {
		payload.VideoID = request.VideoID
		payload.Title = request.Title
	}
	return payload
}

type selectionRequestPayload struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Premium bool   `json:"premium"`
}

type selectionResponsePayload struct {
	Entry   entryPayload `json:"entry"`
	Balance int          `json:"balance"`
}

type queueResponsePayload struct {
	Entries         []entryPayload `json:"entries"`
	ReservedCredits int            `json:"reserved_credits"`
	Balance         int            `json:"balance"`
}

type creditsRequestPayload struct {
	Amount int `json:"amount"`
}

type reasonRequestPayload struct {
	Reason string `json:"reason"`
}

type connectRequestPayload struct {
	Port string `json:"port"`
}

type loginRequestPayload struct {
	PIN string `json:"pin"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type apiKeyRequestPayload struct {
	APIKey string `json:"api_key"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "hardware": h.kiosk.HardwareStatus()})
}

func (h *httpHandler) handleCredits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balance": h.kiosk.Balance()})
}

func (h *httpHandler) handleQueue(c *gin.Context) {
	entries, reserved := h.kiosk.QueueSnapshot()
	response := queueResponsePayload{
		Entries:         make([]entryPayload, 0, len(entries)),
		ReservedCredits: reserved,
		Balance:         h.kiosk.Balance(),
	}
	for _, entry := range entries {
		response.Entries = append(response.Entries, newEntryPayload(entry))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleQuote(c *gin.Context) {
	var request selectionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, h.kiosk.Quote(request.VideoID, request.Premium))
}

func (h *httpHandler) handleSelection(c *gin.Context) {
	var request selectionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	selection, err := h.kiosk.Select(request.VideoID, request.Title, request.Premium)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, selectionResponsePayload{
		Entry:   newEntryPayload(selection.Entry),
		Balance: selection.Balance,
	})
}

func (h *httpHandler) handleBackground(c *gin.Context) {
	var request selectionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.kiosk.AddBackground(request.VideoID, request.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": newEntryPayload(entry)})
}

func (h *httpHandler) handleNext(c *gin.Context) {
	entry, ok := h.kiosk.Next()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry)})
}

func (h *httpHandler) handleAdminLogin(c *gin.Context) {
	if !h.loginLimiter.Allow() {
		h.logger.Warn("admin login rate limited", zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "Too many attempts"})
		return
	}
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PIN) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.pin.Verify(request.PIN); err != nil {
		h.emit(events.AdminAccess{Subject: adminSubject, Granted: false, RemoteAddr: c.ClientIP()})
		h.logger.Warn("admin pin verification failed", zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAdminToken(adminSubject)
	if err != nil {
		h.logger.Error("failed to issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	h.emit(events.AdminAccess{Subject: adminSubject, Granted: true, RemoteAddr: c.ClientIP()})

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(auth.CookieName, token, int(expiresIn), "/admin", "", false, true)
	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleAddCredits(c *gin.Context) {
	var request creditsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	total, err := h.kiosk.AddCredits(request.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": total})
}

func (h *httpHandler) handleEmergencyStop(c *gin.Context) {
	request, ok := bindOptionalReason(c)
	if !ok {
		return
	}
	result := h.kiosk.EmergencyStop(request.Reason)
	h.logger.Warn("emergency stop", zap.String("subject", c.GetString(adminSubjectContextKey)), zap.Int("discarded_entries", result.DiscardedEntries))
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleReset(c *gin.Context) {
	request, ok := bindOptionalReason(c)
	if !ok {
		return
	}
	h.kiosk.Reset(request.Reason)
	c.JSON(http.StatusOK, gin.H{"balance": h.kiosk.Balance()})
}

func (h *httpHandler) handleConnectHardware(c *gin.Context) {
	var request connectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.kiosk.ConnectHardware(c.Request.Context(), request.Port) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    kiosk.CodeNotConnected,
			"message":  kiosk.StatusMessage(kiosk.CodeNotConnected),
			"hardware": h.kiosk.HardwareStatus(),
		})
		return
	}
	c.JSON(http.StatusOK, h.kiosk.HardwareStatus())
}

func (h *httpHandler) handleDisconnectHardware(c *gin.Context) {
	if err := h.kiosk.DisconnectHardware(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.kiosk.HardwareStatus())
}

func (h *httpHandler) handleHardwareStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.kiosk.HardwareStatus())
}

func (h *httpHandler) handleLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	logs, err := h.kiosk.Logs(c.Request.Context(), limit)
	if err != nil {
		if errors.Is(err, kiosk.ErrLogsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "logs_unavailable"})
			return
		}
		h.logger.Error("failed to list diagnostic logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logs_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *httpHandler) handleRotateAPIKey(c *gin.Context) {
	var request apiKeyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	fingerprint, err := h.kiosk.RotateAPIKey(request.APIKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fingerprint})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var selectionErr *kiosk.SelectionError
	if errors.As(err, &selectionErr) {
		c.JSON(statusForCode(selectionErr.Code), gin.H{"error": selectionErr.Code, "message": selectionErr.Message})
		return
	}
	h.logger.Error("kiosk operation failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": kiosk.StatusMessage("")})
}

func (h *httpHandler) emit(payload events.Payload) {
	if h.bus != nil {
		h.bus.Emit(payload)
	}
}

func statusForCode(code string) int {
	switch code {
	case kiosk.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case kiosk.CodeMaxCredits, kiosk.CodeNotConnected:
		return http.StatusConflict
	case kiosk.CodeInvalidVideo, kiosk.CodeInvalidAmount, kiosk.CodeInvalidAPIKey:
		return http.StatusBadRequest
	case kiosk.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bindOptionalReason(c *gin.Context) (reasonRequestPayload, bool) {
	var request reasonRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return request, false
	}
	return request, true
}
