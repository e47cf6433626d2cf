// Load session HTTP handlers.
//
// This file exposes REST endpoints for dispatch sessions:
//   - POST /sessions                 (materialize READY records into a session)
//   - POST /sessions/dispatch        (one session per sender with READY records)
//   - GET  /sessions                 (list, paginated, scoped)
//   - GET  /sessions/{id}            (fetch one)
//   - GET  /sessions/{id}/progress   (live per-status payload counts)
//   - GET  /sessions/{id}/payloads   (payload rows, paginated)
//   - POST /sessions/{id}/push       (drain to the external destination)
//   - POST /sessions/{id}/retry      (requeue FAILED payloads and resume)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/services"
	"github.com/ejkorg/sender-sub001/internal/utils"
)

// CreateSessionRequest is the JSON payload for creating a dispatch session.
type CreateSessionRequest struct {
	Site        string `json:"site" binding:"required"`
	Environment string `json:"environment"`
	SenderID    int    `json:"sender_id" binding:"required"`
	Source      string `json:"source"`
}

// ListSessionsResponse wraps a page of sessions.
type ListSessionsResponse struct {
	Sessions   []domain.LoadSession `json:"sessions"`
	Pagination Pagination           `json:"pagination"`
}

// RetryResponse reports how many payloads a retry requeued.
type RetryResponse struct {
	Requeued int64 `json:"requeued"`
}

// sessionID parses the :id path parameter.
func sessionID(c *gin.Context) (uint, bool) {
	n := utils.AtoiDefault(strings.TrimSpace(c.Param("id")), -1)
	if n <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a positive integer")
		return 0, false
	}
	return uint(n), true
}

// CreateSession materializes the READY stage records of a (site, sender)
// pair into a new load session.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	session, err := h.sessionSvc.Create(c.Request.Context(), actor(c), req.Site, req.Environment, req.SenderID, req.Source)
	if err != nil {
		if errors.Is(err, services.ErrNoCandidates) {
			fail(c, http.StatusConflict, ErrCodeConflict, "no READY records to dispatch")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, session)
}

// DispatchRequest selects what a dispatch sweep covers. An empty site means
// every site with READY records.
type DispatchRequest struct {
	Site        string `json:"site"`
	Environment string `json:"environment"`
	Source      string `json:"source"`
}

// DispatchSessions groups READY stage records by sender (per site) and
// creates one session per group.
func (h *Handlers) DispatchSessions(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	var (
		results []services.DispatchResult
		err     error
	)
	if strings.TrimSpace(req.Site) == "" {
		results, err = h.sessionSvc.DispatchAll(c.Request.Context(), actor(c), req.Environment, req.Source)
	} else {
		results, err = h.sessionSvc.DispatchSite(c.Request.Context(), actor(c), req.Site, req.Environment, req.Source)
	}
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoCandidates):
			fail(c, http.StatusConflict, ErrCodeConflict, "no READY records to dispatch")
		case errors.Is(err, services.ErrForbidden):
			fail(c, http.StatusForbidden, ErrCodeForbidden, "admin role required for a global dispatch")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, gin.H{"dispatched": results})
}

// ListSessions returns a page of sessions visible to the actor.
func (h *Handlers) ListSessions(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.sessionSvc.List(c.Request.Context(), actor(c), c.Query("site"), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListSessionsResponse{
		Sessions:   items,
		Pagination: paginate(page, pageSize, total),
	})
}

// GetSession fetches one session.
func (h *Handlers) GetSession(c *gin.Context) {
	id, okID := sessionID(c)
	if !okID {
		return
	}
	session, err := h.sessionSvc.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, session)
}

// SessionProgress returns the live drain state of a session. Counts come
// from the payload table, so in-flight claims are visible.
func (h *Handlers) SessionProgress(c *gin.Context) {
	id, okID := sessionID(c)
	if !okID {
		return
	}
	progress, err := h.sessionSvc.Progress(c.Request.Context(), actor(c), id)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, progress)
}

// SessionPayloads returns a page of payload rows for a session.
func (h *Handlers) SessionPayloads(c *gin.Context) {
	id, okID := sessionID(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)
	payloads, err := h.sessionSvc.Payloads(c.Request.Context(), actor(c), id, c.Query("status"), page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"payloads": payloads})
}

// PushSession drains a session into its external destination. Pushing a
// fully drained session is a no-op that returns the current state.
func (h *Handlers) PushSession(c *gin.Context) {
	id, okID := sessionID(c)
	if !okID {
		return
	}
	session, err := h.pushSvc.PushSession(c.Request.Context(), actor(c), id)
	switch {
	case err == nil:
		ok(c, http.StatusOK, session)
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, services.ErrRemoteWritesDisabled):
		fail(c, http.StatusConflict, ErrCodeRemoteDisabled, err.Error())
	default:
		// Partial progress is persisted; report the delivery error.
		fail(c, http.StatusBadGateway, ErrCodePushFailed, err.Error())
	}
}

// RetrySession requeues FAILED payloads below the attempt ceiling and
// resumes draining.
func (h *Handlers) RetrySession(c *gin.Context) {
	id, okID := sessionID(c)
	if !okID {
		return
	}
	n, err := h.pushSvc.RetryFailed(c.Request.Context(), actor(c), id)
	switch {
	case err == nil:
		ok(c, http.StatusOK, RetryResponse{Requeued: n})
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, services.ErrNothingToPush):
		fail(c, http.StatusConflict, ErrCodeConflict, "no payloads eligible for retry")
	case errors.Is(err, services.ErrRemoteWritesDisabled):
		fail(c, http.StatusConflict, ErrCodeRemoteDisabled, err.Error())
	default:
		fail(c, http.StatusBadGateway, ErrCodePushFailed, err.Error())
	}
}
