package services

import (
	"context"
	"errors"
	"testing"

	"github.com/ejkorg/sender-sub001/internal/domain"
)

func TestStage_NewCandidates(t *testing.T) {
	svc := &StageService{DB: newSvcDB(t)}

	summary, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(3), false)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if summary.Staged != 3 || summary.Restaged != 0 || summary.Skipped != 0 || summary.Invalid != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, out := range summary.Results {
		if out.Outcome != OutcomeStaged || out.Record == nil {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if out.Record.Status != domain.StageReady || out.Record.StagedBy != "alice" {
			t.Fatalf("unexpected record: %+v", out.Record)
		}
	}
}

func TestStage_InvalidCandidateDoesNotBlockBatch(t *testing.T) {
	svc := &StageService{DB: newSvcDB(t)}

	batch := []domain.PayloadCandidate{
		{MetadataID: "m1", DataID: "d1"},
		{MetadataID: " ", DataID: "d2"},
		{MetadataID: "m3", DataID: ""},
		{MetadataID: "m4", DataID: "d4"},
	}
	summary, err := svc.Stage(context.Background(), alice, "fab1", 7, batch, false)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if summary.Staged != 2 || summary.Invalid != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Results[1].Outcome != OutcomeInvalid || summary.Results[1].Record != nil {
		t.Fatalf("invalid candidate produced a record: %+v", summary.Results[1])
	}
}

func TestStage_EmptyInputs(t *testing.T) {
	svc := &StageService{DB: newSvcDB(t)}

	if _, err := svc.Stage(context.Background(), alice, "fab1", 7, nil, false); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if _, err := svc.Stage(context.Background(), alice, "", 7, candidates(1), false); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates for blank site, got %v", err)
	}
	if _, err := svc.Stage(context.Background(), alice, "fab1", 0, candidates(1), false); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates for zero sender, got %v", err)
	}
}

func TestStage_SameOwnerRefreshesWithoutForce(t *testing.T) {
	svc := &StageService{DB: newSvcDB(t)}

	if _, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), false); err != nil {
		t.Fatalf("first Stage: %v", err)
	}
	summary, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), false)
	if err != nil {
		t.Fatalf("second Stage: %v", err)
	}
	if summary.Restaged != 1 {
		t.Fatalf("expected same-owner refresh, got %+v", summary)
	}
	if summary.Results[0].Record.LastRequestedBy != "alice" {
		t.Fatalf("last requester not refreshed: %+v", summary.Results[0].Record)
	}
}

func TestStage_OtherOwnerNeedsForce(t *testing.T) {
	svc := &StageService{DB: newSvcDB(t)}

	if _, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), false); err != nil {
		t.Fatalf("stage as alice: %v", err)
	}

	summary, err := svc.Stage(context.Background(), bob, "fab1", 7, candidates(1), false)
	if err != nil {
		t.Fatalf("stage as bob: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected skip without force, got %+v", summary)
	}
	if summary.Results[0].Reason != ErrAlreadyStaged.Error() {
		t.Fatalf("unexpected reason: %q", summary.Results[0].Reason)
	}

	summary, err = svc.Stage(context.Background(), bob, "fab1", 7, candidates(1), true)
	if err != nil {
		t.Fatalf("forced stage as bob: %v", err)
	}
	if summary.Restaged != 1 {
		t.Fatalf("expected forced restage, got %+v", summary)
	}
	rec := summary.Results[0].Record
	if rec.StagedBy != "alice" || rec.LastRequestedBy != "bob" {
		t.Fatalf("ownership fields wrong after force: %+v", rec)
	}
}

func TestStage_TerminalRecordResetRequiresForce(t *testing.T) {
	db := newSvcDB(t)
	svc := &StageService{DB: db}

	summary, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), false)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	rec := summary.Results[0].Record
	if err := db.Model(rec).Updates(map[string]any{
		"status":        domain.StageFailed,
		"error_message": "remote rejected",
	}).Error; err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	summary, err = svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), false)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("terminal record restaged without force: %+v", summary)
	}

	summary, err = svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), true)
	if err != nil {
		t.Fatalf("forced Stage: %v", err)
	}
	if summary.Restaged != 1 {
		t.Fatalf("expected forced reset, got %+v", summary)
	}
	got := summary.Results[0].Record
	if got.Status != domain.StageReady || got.ErrorMessage != "" {
		t.Fatalf("terminal state not reset: %+v", got)
	}
}

func TestPreviewDuplicates_DoesNotWrite(t *testing.T) {
	db := newSvcDB(t)
	svc := &StageService{DB: db}

	if _, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(1), false); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	batch := append(candidates(2), domain.PayloadCandidate{MetadataID: "", DataID: "x"})
	summary, err := svc.PreviewDuplicates(context.Background(), alice, "fab1", 7, batch)
	if err != nil {
		t.Fatalf("PreviewDuplicates: %v", err)
	}
	if summary.Restaged != 1 || summary.Staged != 1 || summary.Invalid != 1 {
		t.Fatalf("unexpected preview summary: %+v", summary)
	}

	var n int64
	if err := db.Model(&domain.StageRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("preview wrote rows: count=%d", n)
	}
}

func TestListRecords_ScopesNonAdmin(t *testing.T) {
	db := newSvcDB(t)
	svc := &StageService{DB: db}

	if _, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(2), false); err != nil {
		t.Fatalf("stage as alice: %v", err)
	}
	if _, err := svc.Stage(context.Background(), bob, "fab1", 7, []domain.PayloadCandidate{{MetadataID: "bm", DataID: "bd"}}, false); err != nil {
		t.Fatalf("stage as bob: %v", err)
	}

	items, total, err := svc.ListRecords(context.Background(), alice, "fab1", nil, "", 1, 50)
	if err != nil {
		t.Fatalf("ListRecords alice: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("alice sees wrong rows: total=%d items=%d", total, len(items))
	}

	_, total, err = svc.ListRecords(context.Background(), admin, "fab1", nil, "", 1, 50)
	if err != nil {
		t.Fatalf("ListRecords admin: %v", err)
	}
	if total != 3 {
		t.Fatalf("admin sees wrong rows: total=%d", total)
	}

	// Unknown site is just an empty page.
	items, total, err = svc.ListRecords(context.Background(), admin, "fab9", nil, "", 1, 50)
	if err != nil {
		t.Fatalf("ListRecords unknown site: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("expected empty page, got total=%d items=%d", total, len(items))
	}
}
