// Candidate discovery handlers.
//
// This file exposes the preview endpoint over tenant metadata stores:
//   - POST /discovery/preview (list stageable candidates, read-only)
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/discovery"
	"github.com/ejkorg/sender-sub001/internal/extdb"
)

// DiscoveryPreviewRequest selects which metadata rows to preview. A blank
// test_phase (or the sentinel "NONE") matches rows with no recorded phase;
// match_any_phase disables phase filtering entirely.
type DiscoveryPreviewRequest struct {
	Site          string     `json:"site" binding:"required"`
	Environment   string     `json:"environment"`
	Lot           string     `json:"lot"`
	TestPhase     string     `json:"test_phase"`
	MatchAnyPhase bool       `json:"match_any_phase"`
	Begin         *time.Time `json:"begin"`
	End           *time.Time `json:"end"`
	Limit         int        `json:"limit"`
}

// PreviewDiscovery lists candidate rows from the tenant metadata store
// without touching the staging ledger.
func (h *Handlers) PreviewDiscovery(c *gin.Context) {
	var req DiscoveryPreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	crit := discovery.Criteria{
		Site:          strings.TrimSpace(req.Site),
		Environment:   req.Environment,
		Lot:           req.Lot,
		TestPhase:     req.TestPhase,
		MatchAnyPhase: req.MatchAnyPhase,
	}
	if req.Begin != nil {
		crit.Begin = *req.Begin
	}
	if req.End != nil {
		crit.End = *req.End
	}

	rows, err := h.discoverySvc.Preview(c.Request.Context(), crit, req.Limit)
	if err != nil {
		if errors.Is(err, extdb.ErrNoConfig) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no external database configured for site")
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"candidates": rows, "count": len(rows)})
}
