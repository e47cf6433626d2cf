// Package services – SessionService
//
// This file implements SessionService, which materializes READY stage
// records into load sessions and exposes session lookup and progress. A
// session binds a batch of payloads to one (site, sender) destination for
// the push pipeline to drain.

package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SessionService owns load session creation and inspection.
type SessionService struct {
	DB *gorm.DB

	// MaxSessionPayloads caps how many READY records one session may
	// absorb. Zero means no cap.
	MaxSessionPayloads int
}

// SessionProgress is the drain state of one session.
type SessionProgress struct {
	Session  *domain.LoadSession `json:"session"`
	Statuses map[string]int64    `json:"statuses"`
	Drained  bool                `json:"drained"`
}

// Create materializes the READY stage records of a (site, sender) pair into
// a new load session and flips those records to ENQUEUED. The session starts
// in ENQUEUED_LOCAL with every payload NEW.
func (s *SessionService) Create(ctx context.Context, actor domain.Actor, site, environment string, senderID int, source string) (*domain.LoadSession, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("site", site),
			attribute.Int("sender.id", senderID),
		),
	)
	defer span.End()

	site = strings.TrimSpace(site)
	if site == "" || senderID <= 0 {
		return nil, ErrNoCandidates
	}

	limit := s.MaxSessionPayloads
	if limit <= 0 {
		limit = 10000
	}
	ready, err := repo.ReadyStageRecords(ctx, s.DB, site, senderID, limit)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, ErrNoCandidates
	}

	payloadIDs := make([]string, 0, len(ready))
	recordIDs := make([]uint, 0, len(ready))
	for _, r := range ready {
		c := domain.PayloadCandidate{MetadataID: r.MetadataID, DataID: r.DataID}
		payloadIDs = append(payloadIDs, c.PayloadID())
		recordIDs = append(recordIDs, r.ID)
	}

	session := &domain.LoadSession{
		InitiatedBy: actor.Username,
		Site:        site,
		Environment: environment,
		SenderID:    senderID,
		Source:      source,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateSession(ctx, tx, session, payloadIDs); err != nil {
			return err
		}
		return repo.MarkStageEnqueued(ctx, tx, recordIDs)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// DispatchResult reports the outcome of one sender during a site dispatch.
type DispatchResult struct {
	Site     string              `json:"site"`
	SenderID int                 `json:"sender_id"`
	Session  *domain.LoadSession `json:"session,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// DispatchSite groups the site's READY stage records by sender and creates
// one session per sender. A sender whose records were claimed by a
// concurrent dispatch is reported in the result, not treated as fatal.
func (s *SessionService) DispatchSite(ctx context.Context, actor domain.Actor, site, environment, source string) ([]DispatchResult, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "DispatchSite",
		trace.WithAttributes(attribute.String("site", site)),
	)
	defer span.End()

	site = strings.TrimSpace(site)
	if site == "" {
		return nil, ErrNoCandidates
	}
	senders, err := repo.SendersWithReady(ctx, s.DB, site)
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, ErrNoCandidates
	}

	out := make([]DispatchResult, 0, len(senders))
	for _, senderID := range senders {
		res := DispatchResult{Site: site, SenderID: senderID}
		session, err := s.Create(ctx, actor, site, environment, senderID, source)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Session = session
		}
		out = append(out, res)
	}
	return out, nil
}

// DispatchAll runs DispatchSite over every site that currently has READY
// records. The sweep spans records staged by every user, so it requires a
// privileged actor.
func (s *SessionService) DispatchAll(ctx context.Context, actor domain.Actor, environment, source string) ([]DispatchResult, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "DispatchAll")
	defer span.End()

	if !actor.Admin {
		return nil, ErrForbidden
	}
	sites, err := repo.SitesWithReady(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, ErrNoCandidates
	}
	var out []DispatchResult
	for _, site := range sites {
		results, err := s.DispatchSite(ctx, actor, site, environment, source)
		if err != nil {
			// A site drained between the listing and the dispatch.
			if err == ErrNoCandidates {
				continue
			}
			return out, err
		}
		out = append(out, results...)
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}

// Get fetches one session. Non-privileged actors may only read sessions they
// initiated.
func (s *SessionService) Get(ctx context.Context, actor domain.Actor, id uint) (*domain.LoadSession, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.Int("session.id", int(id))),
	)
	defer span.End()

	session, err := repo.GetSession(ctx, s.DB, id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !actor.Admin && session.InitiatedBy != actor.Username {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List returns a page of sessions, scoped to the actor unless privileged.
func (s *SessionService) List(ctx context.Context, actor domain.Actor, site string, page, pageSize int) ([]domain.LoadSession, int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("site", site),
			attribute.Int("page", page),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	scope := ""
	if !actor.Admin {
		scope = actor.Username
	}
	return repo.ListSessions(ctx, s.DB, site, scope, (page-1)*pageSize, pageSize)
}

// Progress returns the session plus a live per-status payload count. The
// counts come from the payload table, not the cached session counters, so a
// caller polling Progress sees claims in flight.
func (s *SessionService) Progress(ctx context.Context, actor domain.Actor, id uint) (*SessionProgress, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Progress",
		trace.WithAttributes(attribute.Int("session.id", int(id))),
	)
	defer span.End()

	session, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	counts, err := repo.PayloadStatusCounts(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	remaining := counts[domain.PayloadNew] + counts[domain.PayloadStaged]
	return &SessionProgress{
		Session:  session,
		Statuses: counts,
		Drained:  session.TotalPayloads > 0 && remaining == 0,
	}, nil
}

// Payloads returns a page of payload rows for a session the actor may see.
func (s *SessionService) Payloads(ctx context.Context, actor domain.Actor, id uint, status string, page, pageSize int) ([]domain.LoadSessionPayload, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Payloads",
		trace.WithAttributes(attribute.Int("session.id", int(id))),
	)
	defer span.End()

	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return repo.ListSessionPayloads(ctx, s.DB, id, status, (page-1)*pageSize, pageSize)
}
