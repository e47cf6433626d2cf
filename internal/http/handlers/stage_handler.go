// Staging HTTP handlers.
//
// This file exposes REST endpoints for the staging ledger:
//   - POST /stage            (stage candidates, honoring dedup + force)
//   - POST /stage/preview    (read-only duplicate preview)
//   - GET  /stage/records    (list, paginated, scoped to the actor)
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

// StageRequest is the JSON payload for staging candidates.
type StageRequest struct {
	Site       string                    `json:"site" binding:"required"`
	SenderID   int                       `json:"sender_id" binding:"required"`
	Force      bool                      `json:"force"`
	Candidates []domain.PayloadCandidate `json:"candidates" binding:"required"`
}

// ListStageRecordsResponse wraps a page of ledger rows.
type ListStageRecordsResponse struct {
	Records    []domain.StageRecord `json:"records"`
	Pagination Pagination           `json:"pagination"`
}

// StageCandidates stages a batch of candidates for a (site, sender) pair.
// Candidates are processed independently; the response reports per-candidate
// outcomes plus summary counts.
func (h *Handlers) StageCandidates(c *gin.Context) {
	var req StageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	summary, err := h.stageSvc.Stage(c.Request.Context(), actor(c), req.Site, req.SenderID, req.Candidates, req.Force)
	if err != nil {
		if errors.Is(err, services.ErrNoCandidates) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeStageFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, summary)
}

// PreviewStage reports what StageCandidates would do without writing.
func (h *Handlers) PreviewStage(c *gin.Context) {
	var req StageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	summary, err := h.stageSvc.PreviewDuplicates(c.Request.Context(), actor(c), req.Site, req.SenderID, req.Candidates)
	if err != nil {
		if errors.Is(err, services.ErrNoCandidates) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeStageFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, summary)
}

// ListStageRecords returns a page of ledger rows for a site. Non-privileged
// actors only see their own records.
func (h *Handlers) ListStageRecords(c *gin.Context) {
	site := strings.TrimSpace(c.Query("site"))
	if site == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "site query parameter required")
		return
	}
	var senderID *int
	if raw := c.Query("sender_id"); raw != "" {
		n := utils.AtoiDefault(raw, -1)
		if n < 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sender_id must be a positive integer")
			return
		}
		senderID = &n
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.stageSvc.ListRecords(c.Request.Context(), actor(c), site, senderID, c.Query("status"), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListStageRecordsResponse{
		Records:    items,
		Pagination: paginate(page, pageSize, total),
	})
}
