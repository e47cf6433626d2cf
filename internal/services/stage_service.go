// Package services – StageService
//
// This file implements StageService, the application-level component that
// owns the staging ledger. It validates payload candidates, applies the
// dedup rules (one row per site/sender/metadata/data tuple), and decides
// which candidates are accepted, re-staged, or skipped.
//
// Dedup rules:
//   - Unknown candidate: insert a new READY record.
//   - Existing non-terminal record owned by the same actor: refresh
//     LastRequestedBy/At; no force needed.
//   - Existing non-terminal record owned by someone else: skipped unless
//     force is set.
//   - Existing terminal record: skipped unless force is set, in which case
//     the record is reset to READY and its error cleared.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// site/sender identifiers and candidate counts.

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

// Stage outcomes reported per candidate.
const (
	OutcomeStaged   = "STAGED"
	OutcomeRestaged = "RESTAGED"
	OutcomeSkipped  = "SKIPPED"
	OutcomeInvalid  = "INVALID"
)

// StageOutcome is the per-candidate result of a staging request.
type StageOutcome struct {
	Candidate domain.PayloadCandidate `json:"candidate"`
	Outcome   string                  `json:"outcome"`
	Reason    string                  `json:"reason,omitempty"`
	Record    *domain.StageRecord     `json:"record,omitempty"`
}

// StageSummary aggregates the outcomes of one staging request.
type StageSummary struct {
	Staged   int            `json:"staged"`
	Restaged int            `json:"restaged"`
	Skipped  int            `json:"skipped"`
	Invalid  int            `json:"invalid"`
	Results  []StageOutcome `json:"results"`
}

// StageService coordinates candidate validation and the dedup ledger.
type StageService struct {
	DB *gorm.DB
}

// Stage validates and stages a batch of candidates for a (site, sender)
// pair on behalf of actor. Candidates are processed independently: one
// invalid or duplicate entry never blocks the rest. Validation happens
// before any write, so a malformed candidate produces no row.
func (s *StageService) Stage(ctx context.Context, actor domain.Actor, site string, senderID int, candidates []domain.PayloadCandidate, force bool) (*StageSummary, error) {
	tr := otel.Tracer("services/StageService")
	ctx, span := tr.Start(ctx, "Stage",
		trace.WithAttributes(
			attribute.String("site", site),
			attribute.Int("sender.id", senderID),
			attribute.Int("candidates", len(candidates)),
			attribute.Bool("force", force),
		),
	)
	defer span.End()

	site = strings.TrimSpace(site)
	if site == "" || senderID <= 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	summary := &StageSummary{Results: make([]StageOutcome, 0, len(candidates))}
	for _, cand := range candidates {
		out := s.stageOne(ctx, actor, site, senderID, cand, force)
		switch out.Outcome {
		case OutcomeStaged:
			summary.Staged++
		case OutcomeRestaged:
			summary.Restaged++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeInvalid:
			summary.Invalid++
		}
		summary.Results = append(summary.Results, out)
	}
	return summary, nil
}

func (s *StageService) stageOne(ctx context.Context, actor domain.Actor, site string, senderID int, cand domain.PayloadCandidate, force bool) StageOutcome {
	if err := cand.Validate(); err != nil {
		return StageOutcome{Candidate: cand, Outcome: OutcomeInvalid, Reason: err.Error()}
	}

	existing, err := repo.FindStageRecord(ctx, s.DB, site, senderID, cand.MetadataID, cand.DataID)
	switch {
	case err == nil:
		return s.restage(ctx, actor, existing, cand, force)
	case err == gorm.ErrRecordNotFound:
		rec, cerr := repo.CreateStageRecord(ctx, s.DB, site, senderID, cand.MetadataID, cand.DataID, actor.Username)
		if cerr != nil {
			// Lost a race against a concurrent stager; resolve via the
			// winner's row.
			if again, ferr := repo.FindStageRecord(ctx, s.DB, site, senderID, cand.MetadataID, cand.DataID); ferr == nil {
				return s.restage(ctx, actor, again, cand, force)
			}
			return StageOutcome{Candidate: cand, Outcome: OutcomeSkipped, Reason: cerr.Error()}
		}
		return StageOutcome{Candidate: cand, Outcome: OutcomeStaged, Record: rec}
	default:
		return StageOutcome{Candidate: cand, Outcome: OutcomeSkipped, Reason: err.Error()}
	}
}

// restage decides what happens to a candidate whose dedup key already has a
// row.
func (s *StageService) restage(ctx context.Context, actor domain.Actor, existing *domain.StageRecord, cand domain.PayloadCandidate, force bool) StageOutcome {
	sameOwner := existing.StagedBy == actor.Username || existing.LastRequestedBy == actor.Username

	if existing.Terminal() {
		if !force {
			return StageOutcome{
				Candidate: cand,
				Outcome:   OutcomeSkipped,
				Reason:    "already processed with status " + existing.Status,
				Record:    existing,
			}
		}
		if err := repo.MarkRestaged(ctx, s.DB, existing.ID, actor.Username, true); err != nil {
			return StageOutcome{Candidate: cand, Outcome: OutcomeSkipped, Reason: err.Error(), Record: existing}
		}
		return s.refreshed(ctx, existing, cand, OutcomeRestaged, "")
	}

	if !sameOwner && !force {
		return StageOutcome{
			Candidate: cand,
			Outcome:   OutcomeSkipped,
			Reason:    ErrAlreadyStaged.Error(),
			Record:    existing,
		}
	}
	if err := repo.MarkRestaged(ctx, s.DB, existing.ID, actor.Username, false); err != nil {
		return StageOutcome{Candidate: cand, Outcome: OutcomeSkipped, Reason: err.Error(), Record: existing}
	}
	return s.refreshed(ctx, existing, cand, OutcomeRestaged, "")
}

// refreshed re-reads the record after an update so the caller sees current
// field values.
func (s *StageService) refreshed(ctx context.Context, rec *domain.StageRecord, cand domain.PayloadCandidate, outcome, reason string) StageOutcome {
	var cur domain.StageRecord
	if err := s.DB.WithContext(ctx).First(&cur, rec.ID).Error; err == nil {
		rec = &cur
	}
	return StageOutcome{Candidate: cand, Outcome: outcome, Reason: reason, Record: rec}
}

// PreviewDuplicates is the read-only dry run: it reports, without writing,
// which candidates already have a ledger row and what would happen on a real
// staging request.
func (s *StageService) PreviewDuplicates(ctx context.Context, actor domain.Actor, site string, senderID int, candidates []domain.PayloadCandidate) (*StageSummary, error) {
	tr := otel.Tracer("services/StageService")
	ctx, span := tr.Start(ctx, "PreviewDuplicates",
		trace.WithAttributes(
			attribute.String("site", site),
			attribute.Int("sender.id", senderID),
			attribute.Int("candidates", len(candidates)),
		),
	)
	defer span.End()

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	summary := &StageSummary{Results: make([]StageOutcome, 0, len(candidates))}
	for _, cand := range candidates {
		out := StageOutcome{Candidate: cand}
		if err := cand.Validate(); err != nil {
			out.Outcome, out.Reason = OutcomeInvalid, err.Error()
			summary.Invalid++
			summary.Results = append(summary.Results, out)
			continue
		}
		existing, err := repo.FindStageRecord(ctx, s.DB, site, senderID, cand.MetadataID, cand.DataID)
		switch {
		case err == gorm.ErrRecordNotFound:
			out.Outcome = OutcomeStaged
			summary.Staged++
		case err != nil:
			out.Outcome, out.Reason = OutcomeSkipped, err.Error()
			summary.Skipped++
		case existing.Terminal(), existing.StagedBy != actor.Username && existing.LastRequestedBy != actor.Username:
			out.Outcome, out.Record = OutcomeSkipped, existing
			out.Reason = "existing record with status " + existing.Status
			summary.Skipped++
		default:
			out.Outcome, out.Record = OutcomeRestaged, existing
			summary.Restaged++
		}
		summary.Results = append(summary.Results, out)
	}
	return summary, nil
}

// ListRecords returns a page of ledger rows for a site. Non-privileged
// actors only see rows they staged or last requested; the scoping happens in
// SQL, not by post-filtering.
func (s *StageService) ListRecords(ctx context.Context, actor domain.Actor, site string, senderID *int, status string, page, pageSize int) ([]domain.StageRecord, int64, error) {
	tr := otel.Tracer("services/StageService")
	ctx, span := tr.Start(ctx, "ListRecords",
		trace.WithAttributes(
			attribute.String("site", site),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
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
	total, err := repo.CountStageRecords(ctx, s.DB, site, senderID, status, scope)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.StageRecord{}, 0, nil
	}
	items, err := repo.ListStageRecords(ctx, s.DB, site, senderID, status, scope, (page-1)*pageSize, pageSize)
	return items, total, err
}
