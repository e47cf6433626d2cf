// Package services – StatusService
//
// This file implements StatusService, the read-only reporting surface over
// the staging ledger. Visibility scoping is applied at the SQL level: a
// non-privileged actor only sees rows they staged or last requested, and the
// per-user breakdown is reserved for privileged actors.

package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusService reports aggregate staging progress.
type StatusService struct {
	DB *gorm.DB
}

// StageStatusReport is the aggregate view returned by Overview: one row per
// (site, sender), plus the optional per-user breakdown for one pair.
type StageStatusReport struct {
	Rows  []repo.StageStatusRow `json:"rows"`
	Users []repo.StageUserRow   `json:"users,omitempty"`
}

// Overview returns per-(site, sender) counts. Privileged actors see every
// record; others see only their own.
func (s *StatusService) Overview(ctx context.Context, actor domain.Actor) (*StageStatusReport, error) {
	tr := otel.Tracer("services/StatusService")
	ctx, span := tr.Start(ctx, "Overview",
		trace.WithAttributes(attribute.Bool("actor.admin", actor.Admin)),
	)
	defer span.End()

	scope := ""
	if !actor.Admin {
		scope = actor.Username
	}
	rows, err := repo.AggregateStageStatus(ctx, s.DB, scope)
	if err != nil {
		return nil, err
	}
	return &StageStatusReport{Rows: rows}, nil
}

// Detail returns the status of one (site, sender) pair. For privileged
// actors the report includes the per-user breakdown; for everyone else the
// counts cover only their own records and no breakdown is attached.
func (s *StatusService) Detail(ctx context.Context, actor domain.Actor, site string, senderID int) (*StageStatusReport, error) {
	tr := otel.Tracer("services/StatusService")
	ctx, span := tr.Start(ctx, "Detail",
		trace.WithAttributes(
			attribute.String("site", site),
			attribute.Int("sender.id", senderID),
		),
	)
	defer span.End()

	scope := ""
	if !actor.Admin {
		scope = actor.Username
	}
	rows, err := repo.AggregateStageStatus(ctx, s.DB, scope)
	if err != nil {
		return nil, err
	}
	report := &StageStatusReport{Rows: make([]repo.StageStatusRow, 0, 1)}
	for _, r := range rows {
		if r.Site == site && r.SenderID == senderID {
			report.Rows = append(report.Rows, r)
		}
	}
	if len(report.Rows) == 0 {
		return nil, ErrStageRecordNotFound
	}
	if actor.Admin {
		users, err := repo.AggregateStageUsers(ctx, s.DB, site, senderID)
		if err != nil {
			return nil, err
		}
		report.Users = users
	}
	return report, nil
}
