// Pool registry admin handlers.
//
// This file exposes the privileged surface over the external pool registry:
//   - GET    /admin/pools               (live pool stats)
//   - DELETE /admin/pools/:key          (evict and close one pool)
//   - POST   /admin/pools/:key/recreate (rebuild one pool in place)
//
// All routes require a privileged actor; the check happens here rather than
// in middleware so unit tests can exercise it without a full router.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/extdb"
)

// requireAdmin enforces the privileged-actor check for admin routes.
func requireAdmin(c *gin.Context) bool {
	if !actor(c).Admin {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "admin role required")
		return false
	}
	return true
}

// PoolStats returns live statistics for every cached pool.
func (h *Handlers) PoolStats(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	ok(c, http.StatusOK, gin.H{"pools": h.pools.Stats()})
}

// EvictPool closes and removes one cached pool. Evicting an unknown key is
// a no-op.
func (h *Handlers) EvictPool(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "pool key required")
		return
	}
	h.pools.Evict(extdb.TenantKey(strings.ToLower(key)))
	noContent(c)
}

// RecreatePool rebuilds one pool in place, replacing its connections without
// a gap in its metrics series.
func (h *Handlers) RecreatePool(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "pool key required")
		return
	}
	if err := h.pools.Recreate(extdb.TenantKey(strings.ToLower(key))); err != nil {
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	}
	noContent(c)
}
