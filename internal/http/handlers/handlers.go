// Handler wiring for the staging / session / push API.
//
// Handlers are transport-thin: they validate input, call application services
// through narrow interfaces, and translate results into HTTP responses. The
// acting user is taken from the X-User header with roles from X-Roles (both
// normally injected by the fronting gateway).
package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/discovery"
	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/extdb"
	"github.com/ejkorg/sender-sub001/internal/services"
	"github.com/ejkorg/sender-sub001/internal/utils"
)

//
// Service contracts (context-aware)
//

// StageService defines staging ledger operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type StageService interface {
	// Stage validates and stages candidates for a (site, sender) pair.
	Stage(ctx context.Context, actor domain.Actor, site string, senderID int, candidates []domain.PayloadCandidate, force bool) (*services.StageSummary, error)
	// PreviewDuplicates reports what Stage would do, without writing.
	PreviewDuplicates(ctx context.Context, actor domain.Actor, site string, senderID int, candidates []domain.PayloadCandidate) (*services.StageSummary, error)
	// ListRecords returns a page of ledger rows visible to the actor.
	ListRecords(ctx context.Context, actor domain.Actor, site string, senderID *int, status string, page, pageSize int) ([]domain.StageRecord, int64, error)
}

// SessionService defines load session operations.
type SessionService interface {
	// Create materializes READY records into a new session.
	Create(ctx context.Context, actor domain.Actor, site, environment string, senderID int, source string) (*domain.LoadSession, error)
	// DispatchSite groups the site's READY stage records by sender and
	// creates one session per sender.
	DispatchSite(ctx context.Context, actor domain.Actor, site, environment, source string) ([]services.DispatchResult, error)
	// DispatchAll runs DispatchSite over every site with READY records.
	DispatchAll(ctx context.Context, actor domain.Actor, environment, source string) ([]services.DispatchResult, error)
	// Get fetches one session visible to the actor.
	Get(ctx context.Context, actor domain.Actor, id uint) (*domain.LoadSession, error)
	// List returns a page of sessions visible to the actor.
	List(ctx context.Context, actor domain.Actor, site string, page, pageSize int) ([]domain.LoadSession, int64, error)
	// Progress returns live per-status payload counts.
	Progress(ctx context.Context, actor domain.Actor, id uint) (*services.SessionProgress, error)
	// Payloads returns a page of payload rows.
	Payloads(ctx context.Context, actor domain.Actor, id uint, status string, page, pageSize int) ([]domain.LoadSessionPayload, error)
}

// PushService defines push pipeline operations.
type PushService interface {
	// PushSession drains a session until no payload is claimable.
	PushSession(ctx context.Context, actor domain.Actor, sessionID uint) (*domain.LoadSession, error)
	// RetryFailed requeues FAILED payloads under the attempt ceiling.
	RetryFailed(ctx context.Context, actor domain.Actor, sessionID uint) (int64, error)
}

// StatusService defines the read-only reporting surface.
type StatusService interface {
	// Overview returns per-(site, sender) counts visible to the actor.
	Overview(ctx context.Context, actor domain.Actor) (*services.StageStatusReport, error)
	// Detail returns one (site, sender) pair, with per-user breakdown for
	// privileged actors.
	Detail(ctx context.Context, actor domain.Actor, site string, senderID int) (*services.StageStatusReport, error)
}

// DiscoveryService defines the read-only candidate preview over tenant
// metadata stores.
type DiscoveryService interface {
	// Preview lists up to limit stageable candidates for the criteria.
	Preview(ctx context.Context, c discovery.Criteria, limit int) ([]discovery.CandidateRow, error)
}

// PoolAdmin defines the pool registry admin surface.
type PoolAdmin interface {
	Stats() []extdb.PoolStats
	Evict(key extdb.TenantKey)
	Recreate(key extdb.TenantKey) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for staging, discovery, sessions, push,
// status, and pool administration.
type Handlers struct {
	stageSvc     StageService
	sessionSvc   SessionService
	pushSvc      PushService
	statusSvc    StatusService
	discoverySvc DiscoveryService
	pools        PoolAdmin
}

// New constructs a Handlers instance bound to the given services.
func New(stageSvc StageService, sessionSvc SessionService, pushSvc PushService, statusSvc StatusService, discoverySvc DiscoveryService, pools PoolAdmin) *Handlers {
	return &Handlers{
		stageSvc:     stageSvc,
		sessionSvc:   sessionSvc,
		pushSvc:      pushSvc,
		statusSvc:    statusSvc,
		discoverySvc: discoverySvc,
		pools:        pools,
	}
}

// actor extracts the acting user from Gin context (set by upstream
// middleware). If absent, it falls back to the X-User / X-Roles headers
// (tests use them), and finally to "anonymous" without privileges.
func actor(c *gin.Context) domain.Actor {
	if v, ok := c.Get("actor"); ok {
		if a, ok := v.(domain.Actor); ok && a.Username != "" {
			return a
		}
	}
	if c != nil && c.Request != nil {
		if u := strings.TrimSpace(c.GetHeader("X-User")); u != "" {
			return domain.ActorFromRoles(u, strings.Split(c.GetHeader("X-Roles"), ","))
		}
	}
	return domain.Actor{Username: "anonymous"}
}

//
// Shared DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// paginate builds the metadata block for a page.
func paginate(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}
