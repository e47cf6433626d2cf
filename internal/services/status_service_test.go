package services

import (
	"context"
	"errors"
	"testing"

	"github.com/ejkorg/sender-sub001/internal/domain"
)

func seedStatusLedger(t *testing.T, svc *StageService) {
	t.Helper()
	if _, err := svc.Stage(context.Background(), alice, "fab1", 7, candidates(2), false); err != nil {
		t.Fatalf("stage as alice: %v", err)
	}
	if _, err := svc.Stage(context.Background(), bob, "fab1", 7, []domain.PayloadCandidate{{MetadataID: "bm", DataID: "bd"}}, false); err != nil {
		t.Fatalf("stage as bob: %v", err)
	}
	if _, err := svc.Stage(context.Background(), bob, "fab2", 9, []domain.PayloadCandidate{{MetadataID: "x", DataID: "y"}}, false); err != nil {
		t.Fatalf("stage as bob fab2: %v", err)
	}
}

func TestStatusOverview_Scoping(t *testing.T) {
	db := newSvcDB(t)
	seedStatusLedger(t, &StageService{DB: db})
	svc := &StatusService{DB: db}

	report, err := svc.Overview(context.Background(), admin)
	if err != nil {
		t.Fatalf("Overview admin: %v", err)
	}
	if len(report.Rows) != 2 {
		t.Fatalf("admin expected 2 groups, got %+v", report.Rows)
	}
	if report.Rows[0].Total != 3 || report.Rows[0].Ready != 3 {
		t.Fatalf("unexpected fab1 aggregate: %+v", report.Rows[0])
	}

	report, err = svc.Overview(context.Background(), alice)
	if err != nil {
		t.Fatalf("Overview alice: %v", err)
	}
	if len(report.Rows) != 1 || report.Rows[0].Total != 2 {
		t.Fatalf("alice sees wrong rows: %+v", report.Rows)
	}

	report, err = svc.Overview(context.Background(), bob)
	if err != nil {
		t.Fatalf("Overview bob: %v", err)
	}
	if len(report.Rows) != 2 {
		t.Fatalf("bob sees wrong groups: %+v", report.Rows)
	}
}

func TestStatusDetail_UserBreakdownIsPrivileged(t *testing.T) {
	db := newSvcDB(t)
	seedStatusLedger(t, &StageService{DB: db})
	svc := &StatusService{DB: db}

	report, err := svc.Detail(context.Background(), admin, "fab1", 7)
	if err != nil {
		t.Fatalf("Detail admin: %v", err)
	}
	if len(report.Rows) != 1 || report.Rows[0].Total != 3 {
		t.Fatalf("unexpected detail rows: %+v", report.Rows)
	}
	if len(report.Users) != 2 {
		t.Fatalf("admin expected per-user breakdown, got %+v", report.Users)
	}

	report, err = svc.Detail(context.Background(), alice, "fab1", 7)
	if err != nil {
		t.Fatalf("Detail alice: %v", err)
	}
	if report.Rows[0].Total != 2 {
		t.Fatalf("alice detail not scoped: %+v", report.Rows)
	}
	if report.Users != nil {
		t.Fatalf("breakdown leaked to non-privileged actor: %+v", report.Users)
	}
}

func TestStatusDetail_NotFound(t *testing.T) {
	db := newSvcDB(t)
	seedStatusLedger(t, &StageService{DB: db})
	svc := &StatusService{DB: db}

	if _, err := svc.Detail(context.Background(), admin, "fab9", 1); !errors.Is(err, ErrStageRecordNotFound) {
		t.Fatalf("expected ErrStageRecordNotFound, got %v", err)
	}
	// A pair another user owns entirely is not visible, hence not found.
	if _, err := svc.Detail(context.Background(), alice, "fab2", 9); !errors.Is(err, ErrStageRecordNotFound) {
		t.Fatalf("expected ErrStageRecordNotFound for foreign pair, got %v", err)
	}
}
