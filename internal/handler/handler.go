// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/omegafrog/ticketon-queue/internal/catalog"
	"github.com/omegafrog/ticketon-queue/internal/dispatch"
	"github.com/omegafrog/ticketon-queue/internal/model"
	"github.com/omegafrog/ticketon-queue/internal/repository"
	"github.com/omegafrog/ticketon-queue/internal/service"
	"github.com/omegafrog/ticketon-queue/internal/worker"
)

// QueueHandler holds all HTTP handlers for the queue API.
type QueueHandler struct {
	svc  *service.QueueService
	push *dispatch.PushNotifier
	pool *worker.Pool

	upgrader websocket.Upgrader
}

// NewQueueHandler constructs a QueueHandler. push is nil when the instance
// delivers credentials by polling only.
func NewQueueHandler(svc *service.QueueService, push *dispatch.PushNotifier, pool *worker.Pool) *QueueHandler {
	return &QueueHandler{
		svc:  svc,
		push: push,
		pool: pool,
		upgrader: websocket.Upgrader{
			// Browsers reach us through the gateway, which enforces origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrAlreadyEntered):
		writeError(w, http.StatusConflict, "you already hold an entry credential")
	case errors.Is(err, repository.ErrOtherEvent):
		writeError(w, http.StatusConflict, "you are already waiting for another event")
	case errors.Is(err, repository.ErrGateClosed):
		writeError(w, http.StatusConflict, "event is not open for queueing")
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, catalog.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "event catalog unavailable")
	case errors.Is(err, service.ErrInvalidEntry):
		writeError(w, http.StatusForbidden, "entry token rejected")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// Join handles GET /queue/events/{eventId}/waiting
// Puts the caller in the event's waiting line.
func (h *QueueHandler) Join(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Join(r.Context(), chi.URLParam(r, "eventId"), userFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Current handles GET /queue/events/{eventId}/current
// Reports the caller's state and when to poll again.
func (h *QueueHandler) Current(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "eventId"), userFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Leave handles DELETE /queue/events/{eventId}/waiting
// Releases everything the caller holds for the event.
func (h *QueueHandler) Leave(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Leave(r.Context(), chi.URLParam(r, "eventId"), userFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Subscribe handles GET /queue/events/{eventId}/subscribe
// Joins and holds a Server-Sent Events stream open until either side leaves.
func (h *QueueHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	eventID, userID, ok := h.joinForPush(w, r)
	if !ok {
		return
	}
	conn, err := dispatch.NewSSEConn(w)
	if err != nil {
		slog.Warn("open event stream failed", "event_id", eventID, "user_id", userID, "error", err)
		h.releaseUnheld(r, eventID, userID)
		return
	}
	h.hold(r, eventID, userID, conn)
}

// SubscribeWS handles GET /queue/events/{eventId}/subscribe/ws
// Same as Subscribe over a WebSocket.
func (h *QueueHandler) SubscribeWS(w http.ResponseWriter, r *http.Request) {
	eventID, userID, ok := h.joinForPush(w, r)
	if !ok {
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		slog.Warn("websocket upgrade failed", "event_id", eventID, "user_id", userID, "error", err)
		h.releaseUnheld(r, eventID, userID)
		return
	}
	h.hold(r, eventID, userID, dispatch.NewWSConn(ws))
}

func (h *QueueHandler) joinForPush(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if h.push == nil {
		writeError(w, http.StatusNotImplemented, "push delivery is disabled; poll /current instead")
		return "", "", false
	}
	eventID, userID := chi.URLParam(r, "eventId"), userFrom(r)
	if _, err := h.svc.Join(r.Context(), eventID, userID); err != nil {
		writeServiceError(w, r, err)
		return "", "", false
	}
	return eventID, userID, true
}

// releaseUnheld undoes a push join whose connection never opened.
func (h *QueueHandler) releaseUnheld(r *http.Request, eventID, userID string) {
	if _, err := h.svc.Leave(context.WithoutCancel(r.Context()), eventID, userID); err != nil {
		slog.Error("release after failed connection failed", "event_id", eventID, "user_id", userID, "error", err)
	}
}

func (h *QueueHandler) hold(r *http.Request, eventID, userID string, conn dispatch.Conn) {
	// Teardown runs after the client is gone, so it must not inherit the
	// request's cancellation.
	ctx := context.WithoutCancel(r.Context())
	if err := h.push.Attach(ctx, userID, eventID, conn); err != nil {
		slog.Error("attach connection failed", "event_id", eventID, "user_id", userID, "error", err)
		h.push.Teardown(ctx, userID, conn)
		return
	}
	slog.Info("push connection opened", "event_id", eventID, "user_id", userID)

	select {
	case <-r.Context().Done():
	case <-conn.Done():
	}
	h.push.Teardown(ctx, userID, conn)
}

// VerifyEntry handles POST /internal/queue/entry-tokens/verify
// Lets checkout confirm a presented entry token.
func (h *QueueHandler) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.svc.VerifyEntry(r.Context(), req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// UpdateGate handles PUT /internal/queue/events/{eventId}/gate
// Records a gate change pushed by the catalog.
func (h *QueueHandler) UpdateGate(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateGateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.svc.SetGate(r.Context(), chi.URLParam(r, "eventId"), req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PoolStats handles GET /queue/monitoring/pool
func (h *QueueHandler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
