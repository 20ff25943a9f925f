package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/peterje/perfhint/internal/journal"
	"github.com/peterje/perfhint/internal/session"
	"go.uber.org/zap"
)

// Closer closes a live session on behalf of an operator.
type Closer interface {
	CloseSession(id string) (session.Info, error)
}

// History lists journaled sessions, newest first.
type History interface {
	List(limit int) ([]journal.Record, error)
}

type SessionsHandler struct {
	reg     *session.Registry
	closer  Closer
	history History
	log     *zap.Logger
}

// NewSessionsHandler serves live sessions from reg. history may be nil when the
// journal is disabled.
func NewSessionsHandler(reg *session.Registry, closer Closer, history History, log *zap.Logger) *SessionsHandler {
	return &SessionsHandler{reg: reg, closer: closer, history: history, log: log}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.reg.List())
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, ok := h.reg.Get(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.closer.CloseSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("session closed by operator", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := h.history.List(limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, records)
}
