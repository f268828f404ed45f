package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/rs/zerolog"
)

const historyTimeout = 5 * time.Second

// HistoryStore persists call detail records
type HistoryStore interface {
	CreateCallLog(ctx context.Context, call *models.CallLog) (*models.CallLog, error)
	UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus, cause string) error
}

// ActiveCallTracker mirrors the call in progress to a shared cache
type ActiveCallTracker interface {
	SetActiveCall(ctx context.Context, callID string, data map[string]string) error
	RemoveActiveCall(ctx context.Context, callID string) error
}

// History records calls into a HistoryStore and an optional ActiveCallTracker.
// Storage failures are logged and never affect the call.
type History struct {
	store   HistoryStore
	tracker ActiveCallTracker
	log     zerolog.Logger

	mu       sync.Mutex
	answered map[string]bool
}

// NewHistory creates a recorder; store and tracker may each be nil
func NewHistory(store HistoryStore, tracker ActiveCallTracker, log zerolog.Logger) *History {
	return &History{
		store:    store,
		tracker:  tracker,
		log:      log,
		answered: make(map[string]bool),
	}
}

// CallStarted creates the call record
func (h *History) CallStarted(info engine.CallInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	direction := models.CallDirectionOutbound
	status := models.CallStatusInitiated
	if info.Role == engine.RoleCallee {
		direction = models.CallDirectionInbound
		status = models.CallStatusRinging
	}

	if h.store != nil {
		_, err := h.store.CreateCallLog(ctx, &models.CallLog{
			CallID:    info.ID,
			Account:   routing.UserPart(info.LocalURI),
			Direction: direction,
			LocalURI:  info.LocalURI,
			RemoteURI: info.RemoteURI,
			Status:    status,
		})
		if err != nil {
			h.log.Warn().Err(err).Str("call_id", info.ID).Msg("Failed to create call log")
		}
		if status == models.CallStatusRinging {
			h.update(ctx, info.ID, status, "")
		}
	}

	if h.tracker != nil {
		err := h.tracker.SetActiveCall(ctx, info.ID, map[string]string{
			"direction": string(direction),
			"remote":    routing.UserPart(info.RemoteURI),
			"status":    string(status),
		})
		if err != nil {
			h.log.Warn().Err(err).Str("call_id", info.ID).Msg("Failed to track active call")
		}
	}
}

// CallStateChanged updates the record for the reported state
func (h *History) CallStateChanged(info engine.CallInfo) {
	status, ok := h.statusFor(info)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	cause := ""
	if info.State == engine.InvDisconnected {
		cause = fmt.Sprintf("%d %s", info.LastStatusCode, info.LastReason)
	}
	if h.store != nil {
		h.update(ctx, info.ID, status, cause)
	}

	if h.tracker == nil {
		return
	}
	var err error
	if info.State == engine.InvDisconnected {
		err = h.tracker.RemoveActiveCall(ctx, info.ID)
	} else {
		err = h.tracker.SetActiveCall(ctx, info.ID, map[string]string{"status": string(status)})
	}
	if err != nil {
		h.log.Warn().Err(err).Str("call_id", info.ID).Msg("Failed to track active call")
	}
}

// statusFor maps a call state onto a history status
func (h *History) statusFor(info engine.CallInfo) (models.CallStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch info.State {
	case engine.InvEarly:
		return models.CallStatusRinging, true
	case engine.InvConfirmed:
		h.answered[info.ID] = true
		return models.CallStatusAnswered, true
	case engine.InvDisconnected:
		answered := h.answered[info.ID]
		delete(h.answered, info.ID)
		switch {
		case answered:
			return models.CallStatusCompleted, true
		case info.LastStatusCode == 486 || info.LastStatusCode == 600 || info.LastStatusCode == 603:
			return models.CallStatusRejected, true
		default:
			return models.CallStatusFailed, true
		}
	default:
		return "", false
	}
}

func (h *History) update(ctx context.Context, callID string, status models.CallStatus, cause string) {
	if err := h.store.UpdateCallStatus(ctx, callID, status, cause); err != nil {
		h.log.Warn().Err(err).Str("call_id", callID).Str("status", string(status)).Msg("Failed to update call status")
	}
}
