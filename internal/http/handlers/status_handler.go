// Status reporting HTTP handlers.
//
// This file exposes the read-only aggregate views:
//   - GET /status                        (per-(site, sender) overview)
//   - GET /status/:site/:senderID       (one pair; per-user breakdown for
//     privileged actors)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/services"
	"github.com/ejkorg/sender-sub001/internal/utils"
)

// StatusOverview returns the aggregate staged-work counts visible to the
// actor.
func (h *Handlers) StatusOverview(c *gin.Context) {
	report, err := h.statusSvc.Overview(c.Request.Context(), actor(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}

// StatusDetail returns the status of one (site, sender) pair.
func (h *Handlers) StatusDetail(c *gin.Context) {
	site := strings.TrimSpace(c.Param("site"))
	senderID := utils.AtoiDefault(c.Param("senderID"), -1)
	if site == "" || senderID <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "site and numeric senderID required")
		return
	}

	report, err := h.statusSvc.Detail(c.Request.Context(), actor(c), site, senderID)
	if err != nil {
		if errors.Is(err, services.ErrStageRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no records for this site and sender")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}
