// Package server provides the local control API for moneyloop-sync: sync
// health, manual cycles and dead-letter resolution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/engine"
	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
)

// Engine is the part of the sync engine the API drives.
type Engine interface {
	State() engine.Status
	Devices() []models.PresenceRecord
	SyncNow(ctx context.Context) (engine.CycleReport, error)
	DeadLetters() ([]models.OutboxEntry, error)
	Requeue(id uint64) error
	Discard(id uint64) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Engine Engine
	Logger *slog.Logger

	// Token, when set, is required as a Bearer token on every endpoint
	// except /healthz.
	Token string
}

// NewMux builds the HTTP mux.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{engine: cfg.Engine, logger: cfg.Logger}
	protect := Middleware(cfg.Token, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /status", protect(http.HandlerFunc(h.status)))
	mux.Handle("POST /sync", protect(http.HandlerFunc(h.sync)))
	mux.Handle("GET /outbox/dead", protect(http.HandlerFunc(h.deadLetters)))
	mux.Handle("POST /outbox/{id}/requeue", protect(http.HandlerFunc(h.requeue)))
	mux.Handle("DELETE /outbox/{id}", protect(http.HandlerFunc(h.discard)))

	return mux
}

type handlers struct {
	engine Engine
	logger *slog.Logger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Online           bool                    `json:"online"`
	Syncing          bool                    `json:"syncing"`
	LastSyncAt       time.Time               `json:"last_sync_at,omitzero"`
	PendingActions   int                     `json:"pending_actions"`
	ConnectedDevices int                     `json:"connected_devices"`
	LastError        string                  `json:"last_error,omitempty"`
	Devices          []models.PresenceRecord `json:"devices"`
}

// PullResult is one entity type's outcome in a SyncResponse.
type PullResult struct {
	EntityType string    `json:"entity_type"`
	Pulled     int       `json:"pulled"`
	Deleted    int       `json:"deleted"`
	KeptLocal  int       `json:"kept_local"`
	Cursor     time.Time `json:"cursor,omitzero"`
	Truncated  bool      `json:"truncated,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SyncResponse is the body of POST /sync.
type SyncResponse struct {
	Pushed       int          `json:"pushed"`
	PushFailed   int          `json:"push_failed"`
	PushSkipped  int          `json:"push_skipped"`
	DeadLettered int          `json:"dead_lettered"`
	Pull         []PullResult `json:"pull"`
	DurationMS   int64        `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	s := h.engine.State()

	devices := h.engine.Devices()
	if devices == nil {
		devices = []models.PresenceRecord{}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Online:           s.IsOnline,
		Syncing:          s.IsSyncing,
		LastSyncAt:       s.LastSyncAt,
		PendingActions:   s.PendingActions,
		ConnectedDevices: s.ConnectedDevices,
		LastError:        s.LastError,
		Devices:          devices,
	})
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.SyncNow(r.Context())

	switch {
	case errors.Is(err, syncerrors.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, syncerrors.ErrCycleInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}

	resp := SyncResponse{
		Pushed:       report.Push.Pushed,
		PushFailed:   report.Push.Failed,
		PushSkipped:  report.Push.Skipped,
		DeadLettered: report.Push.DeadLettered,
		Pull:         make([]PullResult, 0, len(report.Pull)),
		DurationMS:   report.Duration.Milliseconds(),
	}

	for _, p := range report.Pull {
		pr := PullResult{
			EntityType: p.EntityType,
			Pulled:     p.Pulled,
			Deleted:    p.Deleted,
			KeptLocal:  p.KeptLocal,
			Cursor:     p.Cursor,
			Truncated:  p.Truncated,
		}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}

		resp.Pull = append(resp.Pull, pr)
	}

	code := http.StatusOK
	if err != nil {
		code = http.StatusBadGateway
	}

	writeJSON(w, code, resp)
}

// deadLetters lists dead-lettered entries, optionally narrowed by the
// entity_type and action query parameters.
func (h *handlers) deadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var action models.Action

	if raw := q.Get("action"); raw != "" {
		a, err := models.ParseAction(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		action = a
	}

	entityType := models.NormalizeEntityType(q.Get("entity_type"))

	all, err := h.engine.DeadLetters()
	if err != nil {
		h.logger.Error("listing dead letters", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing dead letters failed"})

		return
	}

	entries := make([]models.OutboxEntry, 0, len(all))

	for _, e := range all {
		if action != "" && e.Action != action {
			continue
		}

		if entityType != "" && e.EntityType != entityType {
			continue
		}

		entries = append(entries, e)
	}

	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) requeue(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "requeue", h.engine.Requeue)
}

func (h *handlers) discard(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "discard", h.engine.Discard)
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request, action string, fn func(uint64) error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid entry id"})
		return
	}

	if err := fn(id); err != nil {
		if errors.Is(err, syncerrors.ErrEntryNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}

		h.logger.Error("resolving outbox entry",
			slog.String("action", action),
			slog.Uint64("id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: action + " failed"})

		return
	}

	h.logger.Info("outbox entry resolved", slog.String("action", action), slog.Uint64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
