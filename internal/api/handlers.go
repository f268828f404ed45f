// Package api provides the REST and WebSocket surface of the softphone
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/fexe-co/softphone/internal/auth"
	"github.com/fexe-co/softphone/internal/call"
	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/fexe-co/softphone/internal/state"
	"github.com/fexe-co/softphone/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LoginService is the login screen model
type LoginService interface {
	SetUsername(v string)
	SetPassword(v string)
	Login(ctx context.Context) error
	Reset()
	Credentials() (models.Credentials, bool)
	Snapshot() auth.Snapshot
}

// SessionController issues telephony commands
type SessionController interface {
	Initialize(ctx context.Context, creds models.Credentials) error
	Start(ctx context.Context, creds models.Credentials) error
	Stop() error
	Dial(ctx context.Context, extension string) (string, error)
	Answer() error
	Decline() error
	Hangup() error
	Toggle(ctx context.Context, extension string) error
	ToggleMute() (bool, error)
	LibraryState() engine.State
	CurrentCall() (engine.CallInfo, error)
}

// StateView exposes the projected view state
type StateView interface {
	Snapshot() state.Snapshot
	Subscribe() (<-chan state.Snapshot, func())
	ClearLogs()
}

// CallHistory reads persisted call records
type CallHistory interface {
	ListCalls(ctx context.Context, limit int) ([]*models.CallLog, error)
	GetCall(ctx context.Context, callID string) (*models.CallLog, error)
}

// Handler holds the API dependencies
type Handler struct {
	login   LoginService
	calls   SessionController
	view    StateView
	history CallHistory
	log     zerolog.Logger
}

// NewHandler creates a new API handler. history may be nil.
func NewHandler(login LoginService, calls SessionController, view StateView, history CallHistory, log zerolog.Logger) *Handler {
	return &Handler{
		login:   login,
		calls:   calls,
		view:    view,
		history: history,
		log:     log,
	}
}

// =============================================================================
// Request/Response DTOs
// =============================================================================

// LoginRequest is the request body for logging in
type LoginRequest struct {
	Username string `json:"username" binding:"required" example:"100"`
	Password string `json:"password" binding:"required" example:"secret"`
	// AutoStart starts the SIP library with the fetched credentials
	AutoStart bool `json:"auto_start" example:"true"`
}

// DialRequest is the request body for placing or toggling a call
type DialRequest struct {
	Extension string `json:"extension" binding:"required" example:"200"`
}

// LibraryResponse describes the SIP library
type LibraryResponse struct {
	EngineState  string              `json:"engine_state" example:"RUNNING"`
	LibraryState models.LibraryState `json:"library_state" example:"running"`
	Status       string              `json:"status" example:"SIP library started"`
}

// DialResponse is returned when a call is placed
type DialResponse struct {
	CallID string `json:"call_id" example:"8f5e3c9a-7f0e-4b55-9d2f-1b0c5a7c2e11"`
}

// MuteResponse reports the microphone state
type MuteResponse struct {
	Muted bool `json:"muted" example:"true"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error" example:"Invalid request"`
	Details string `json:"details,omitempty" example:"Field 'extension' is required"`
}

// SuccessResponse represents a success message
type SuccessResponse struct {
	Message string `json:"message" example:"Operation completed successfully"`
}

// =============================================================================
// Login Handlers
// =============================================================================

// Login godoc
// @Summary Log in
// @Description Exchange username and password for SIP credentials
// @Tags Login
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param login body LoginRequest true "Login form"
// @Success 200 {object} auth.Snapshot
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	h.login.SetUsername(req.Username)
	h.login.SetPassword(req.Password)
	if err := h.login.Login(c.Request.Context()); err != nil {
		h.respondError(c, "Login failed", err)
		return
	}

	if req.AutoStart {
		creds, _ := h.login.Credentials()
		if err := h.startLibrary(c.Request.Context(), creds); err != nil {
			h.respondError(c, "Failed to start SIP library", err)
			return
		}
	}

	c.JSON(http.StatusOK, h.login.Snapshot())
}

// GetLogin godoc
// @Summary Get login state
// @Description Get the login form and the outcome of the last attempt
// @Tags Login
// @Produce json
// @Security BasicAuth
// @Success 200 {object} auth.Snapshot
// @Router /api/v1/login [get]
func (h *Handler) GetLogin(c *gin.Context) {
	c.JSON(http.StatusOK, h.login.Snapshot())
}

// ResetLogin godoc
// @Summary Reset login
// @Description Return the login screen to idle and drop the fetched credentials
// @Tags Login
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Router /api/v1/login [delete]
func (h *Handler) ResetLogin(c *gin.Context) {
	h.login.Reset()
	c.JSON(http.StatusOK, SuccessResponse{Message: "Login reset"})
}

// =============================================================================
// Library Handlers
// =============================================================================

// StartLibrary godoc
// @Summary Start the SIP library
// @Description Initialize and start the SIP library with the logged-in credentials
// @Tags Library
// @Produce json
// @Security BasicAuth
// @Success 200 {object} LibraryResponse
// @Failure 409 {object} ErrorResponse
// @Failure 412 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/library/start [post]
func (h *Handler) StartLibrary(c *gin.Context) {
	creds, ok := h.login.Credentials()
	if !ok {
		c.JSON(http.StatusPreconditionFailed, ErrorResponse{Error: "Login required"})
		return
	}
	if err := h.startLibrary(c.Request.Context(), creds); err != nil {
		h.respondError(c, "Failed to start SIP library", err)
		return
	}
	c.JSON(http.StatusOK, h.library())
}

// StopLibrary godoc
// @Summary Stop the SIP library
// @Description Hang up every call and destroy the SIP library
// @Tags Library
// @Produce json
// @Security BasicAuth
// @Success 200 {object} LibraryResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/library/stop [post]
func (h *Handler) StopLibrary(c *gin.Context) {
	if err := h.calls.Stop(); err != nil {
		h.respondError(c, "Failed to stop SIP library", err)
		return
	}
	c.JSON(http.StatusOK, h.library())
}

// GetLibrary godoc
// @Summary Get library state
// @Description Get the SIP library lifecycle state and status line
// @Tags Library
// @Produce json
// @Security BasicAuth
// @Success 200 {object} LibraryResponse
// @Router /api/v1/library [get]
func (h *Handler) GetLibrary(c *gin.Context) {
	c.JSON(http.StatusOK, h.library())
}

func (h *Handler) startLibrary(ctx context.Context, creds models.Credentials) error {
	// the library outlives the request
	ctx = context.WithoutCancel(ctx)
	if h.calls.LibraryState() == engine.StateNull {
		return h.calls.Initialize(ctx, creds)
	}
	return h.calls.Start(ctx, creds)
}

func (h *Handler) library() LibraryResponse {
	snap := h.view.Snapshot()
	return LibraryResponse{
		EngineState:  h.calls.LibraryState().String(),
		LibraryState: snap.LibraryState,
		Status:       snap.LibraryStatus,
	}
}

// =============================================================================
// Call Handlers
// =============================================================================

// Dial godoc
// @Summary Place a call
// @Description Dial an extension on the account's domain
// @Tags Calls
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param call body DialRequest true "Extension to dial"
// @Success 202 {object} DialResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/calls [post]
func (h *Handler) Dial(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	id, err := h.calls.Dial(context.WithoutCancel(c.Request.Context()), req.Extension)
	if err != nil {
		h.respondError(c, "Failed to place call", err)
		return
	}
	c.JSON(http.StatusAccepted, DialResponse{CallID: id})
}

// Answer godoc
// @Summary Answer the incoming call
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/calls/answer [post]
func (h *Handler) Answer(c *gin.Context) {
	h.command(c, "Call answered", h.calls.Answer)
}

// Decline godoc
// @Summary Decline the incoming call
// @Description Reject the call with 603 Decline
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/calls/decline [post]
func (h *Handler) Decline(c *gin.Context) {
	h.command(c, "Call declined", h.calls.Decline)
}

// Hangup godoc
// @Summary Hang up
// @Description Terminate every call
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/calls/hangup [post]
func (h *Handler) Hangup(c *gin.Context) {
	h.command(c, "Calls hung up", h.calls.Hangup)
}

// Toggle godoc
// @Summary Call or hang up
// @Description Dial the extension when idle, hang up when a call exists
// @Tags Calls
// @Accept json
// @Produce json
// @Security BasicAuth
// @Param call body DialRequest true "Extension to dial"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/calls/toggle [post]
func (h *Handler) Toggle(c *gin.Context) {
	var req DialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}
	if err := h.calls.Toggle(context.WithoutCancel(c.Request.Context()), req.Extension); err != nil {
		h.respondError(c, "Failed to toggle call", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Call toggled"})
}

// ToggleMute godoc
// @Summary Toggle mute
// @Description Stop or resume microphone transmission on the active call
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Success 200 {object} MuteResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/calls/mute [post]
func (h *Handler) ToggleMute(c *gin.Context) {
	muted, err := h.calls.ToggleMute()
	if err != nil {
		h.respondError(c, "Failed to toggle mute", err)
		return
	}
	c.JSON(http.StatusOK, MuteResponse{Muted: muted})
}

// CurrentCall godoc
// @Summary Get the current call
// @Description Get the projected descriptor of the active call
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Success 200 {object} models.CallDescriptor
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/calls/current [get]
func (h *Handler) CurrentCall(c *gin.Context) {
	snap := h.view.Snapshot()
	if snap.Call == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No active call"})
		return
	}
	c.JSON(http.StatusOK, snap.Call)
}

// ListCalls godoc
// @Summary List recent calls
// @Description Get recent call detail records
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Param limit query int false "Maximum number of records" default(100)
// @Success 200 {array} models.CallLog
// @Failure 500 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/calls/history [get]
func (h *Handler) ListCalls(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Call history is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit"})
		return
	}

	calls, err := h.history.ListCalls(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch calls", Details: err.Error()})
		return
	}
	if calls == nil {
		calls = []*models.CallLog{}
	}

	c.JSON(http.StatusOK, calls)
}

// GetCall godoc
// @Summary Get a call record
// @Description Get a specific call detail record by SIP Call-ID
// @Tags Calls
// @Produce json
// @Security BasicAuth
// @Param id path string true "Call ID"
// @Success 200 {object} models.CallLog
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/calls/history/{id} [get]
func (h *Handler) GetCall(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Call history is disabled"})
		return
	}

	rec, err := h.history.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch call", Details: err.Error()})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// =============================================================================
// State Handlers
// =============================================================================

// GetState godoc
// @Summary Get view state
// @Description Get the projected library, call, mute, speaker and log state
// @Tags State
// @Produce json
// @Security BasicAuth
// @Success 200 {object} state.Snapshot
// @Router /api/v1/state [get]
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.view.Snapshot())
}

// GetLogs godoc
// @Summary Get the event log
// @Tags State
// @Produce json
// @Security BasicAuth
// @Success 200 {array} string
// @Router /api/v1/logs [get]
func (h *Handler) GetLogs(c *gin.Context) {
	c.JSON(http.StatusOK, h.view.Snapshot().Logs)
}

// ClearLogs godoc
// @Summary Clear the event log
// @Tags State
// @Produce json
// @Security BasicAuth
// @Success 200 {object} SuccessResponse
// @Router /api/v1/logs [delete]
func (h *Handler) ClearLogs(c *gin.Context) {
	h.view.ClearLogs()
	c.JSON(http.StatusOK, SuccessResponse{Message: "Logs cleared"})
}

// =============================================================================
// Health Check
// =============================================================================

// HealthCheck godoc
// @Summary Health check
// @Description Check if the service is healthy
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "softphone",
		"library": h.calls.LibraryState().String(),
	})
}

func (h *Handler) command(c *gin.Context, ok string, fn func() error) {
	if err := fn(); err != nil {
		h.respondError(c, "Command failed", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: ok})
}

// respondError maps domain errors onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	c.JSON(status, ErrorResponse{Error: msg, Details: err.Error()})
}

func statusFor(err error) int {
	var statusErr *auth.StatusError
	switch {
	case errors.Is(err, auth.ErrEmptyCredentials),
		errors.Is(err, routing.ErrEmptyExtension),
		errors.Is(err, routing.ErrInvalidExtension),
		errors.Is(err, routing.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, call.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, call.ErrNotRunning),
		errors.Is(err, call.ErrNotInitialized),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrCredentialsLock),
		errors.Is(err, auth.ErrLoginInProgress),
		errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, auth.ErrNetwork),
		errors.Is(err, auth.ErrEmptyResponse),
		errors.Is(err, auth.ErrMalformedResponse),
		errors.As(err, &statusErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
