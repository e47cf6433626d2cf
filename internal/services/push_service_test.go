package services

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ejkorg/sender-sub001/internal/config"
	"github.com/ejkorg/sender-sub001/internal/destination"
	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/extdb"
	"github.com/ejkorg/sender-sub001/internal/repo"
)

func pushCfg() config.PushConfig {
	return config.PushConfig{
		BatchSize:   10,
		Workers:     2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		AllowRemote: true,
	}
}

// stubQueue fails every insert with err until it is cleared.
type stubQueue struct {
	mu  sync.Mutex
	err error
	n   int
}

func (q *stubQueue) Insert(ctx context.Context, conn *sql.Conn, item destination.Item) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.n++
	if q.err != nil {
		return "", q.err
	}
	return "stub", nil
}

func TestPushSession_DrainsToDestination(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 5)
	registry := newDestRegistry(t, "fab1-qa")

	svc := NewPushService(db, registry, &destination.SQLQueue{}, pushCfg(), zerolog.Nop())
	got, err := svc.PushSession(context.Background(), alice, session.ID)
	if err != nil {
		t.Fatalf("PushSession: %v", err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.PushedRemoteCount != 5 || got.SkippedCount != 0 || got.FailedCount != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	// Destination holds every row exactly once.
	destDB, _, err := registry.DB("fab1-qa", "")
	if err != nil {
		t.Fatalf("destination db: %v", err)
	}
	var n int
	if err := destDB.QueryRow("SELECT COUNT(*) FROM " + destination.DefaultTable).Scan(&n); err != nil {
		t.Fatalf("count destination rows: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 destination rows, got %d", n)
	}

	// The stage ledger records the deliveries.
	var sent int64
	if err := db.Model(&domain.StageRecord{}).Where("status = ?", domain.StageSent).Count(&sent).Error; err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sent != 5 {
		t.Fatalf("expected 5 SENT ledger rows, got %d", sent)
	}
}

func TestPushSession_DuplicateIsSkippedNotFailed(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 3)
	registry := newDestRegistry(t, "fab1-qa")

	// Pre-seed the destination with one of the payloads.
	destDB, _, err := registry.DB("fab1-qa", "")
	if err != nil {
		t.Fatalf("destination db: %v", err)
	}
	if _, err := destDB.Exec(
		"INSERT INTO "+destination.DefaultTable+" (id_metadata, id_data, id_sender, record_created) VALUES (?, ?, ?, ?)",
		"m000", "d000", 7, time.Now().UTC(),
	); err != nil {
		t.Fatalf("seed duplicate: %v", err)
	}

	svc := NewPushService(db, registry, &destination.SQLQueue{}, pushCfg(), zerolog.Nop())
	got, err := svc.PushSession(context.Background(), alice, session.ID)
	if err != nil {
		t.Fatalf("PushSession: %v", err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.PushedRemoteCount != 2 || got.SkippedCount != 1 || got.FailedCount != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	// The skipped payload still counts as delivered in the ledger.
	var rec domain.StageRecord
	if err := db.Where("metadata_id = ? AND data_id = ?", "m000", "d000").First(&rec).Error; err != nil {
		t.Fatalf("load ledger row: %v", err)
	}
	if rec.Status != domain.StageSent {
		t.Fatalf("skipped payload not SENT in ledger: %+v", rec)
	}
}

func TestPushSession_RemoteWritesGate(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 1)
	registry := newDestRegistry(t, "fab1-qa")

	cfg := pushCfg()
	cfg.AllowRemote = false
	svc := NewPushService(db, registry, &destination.SQLQueue{}, cfg, zerolog.Nop())

	if _, err := svc.PushSession(context.Background(), alice, session.ID); !errors.Is(err, ErrRemoteWritesDisabled) {
		t.Fatalf("expected ErrRemoteWritesDisabled, got %v", err)
	}

	// Nothing was claimed.
	counts, err := repo.PayloadStatusCounts(context.Background(), db, session.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.PayloadNew] != 1 {
		t.Fatalf("payloads touched despite gate: %+v", counts)
	}
}

func TestPushSession_VisibilityScope(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 1)
	registry := newDestRegistry(t, "fab1-qa")
	svc := NewPushService(db, registry, &destination.SQLQueue{}, pushCfg(), zerolog.Nop())

	if _, err := svc.PushSession(context.Background(), bob, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for non-owner, got %v", err)
	}
	if _, err := svc.PushSession(context.Background(), admin, 9999); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for missing session, got %v", err)
	}
}

func TestPushSession_TransientErrorRequeuesWithBackoff(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 2)
	registry := newDestRegistry(t, "fab1-qa")

	queue := &stubQueue{err: errors.New("remote hiccup")}
	cfg := pushCfg()
	cfg.BackoffBase = time.Hour // keep retried payloads out of the claim window
	svc := NewPushService(db, registry, queue, cfg, zerolog.Nop())

	got, err := svc.PushSession(context.Background(), alice, session.ID)
	if err != nil {
		t.Fatalf("PushSession: %v", err)
	}
	// All payloads went back to NEW with a future next_attempt_at, so the
	// drain loop stops with the session still in flight.
	if got.Status != domain.SessionPushingRemote {
		t.Fatalf("expected PUSHING_REMOTE, got %s", got.Status)
	}
	counts, err := repo.PayloadStatusCounts(context.Background(), db, session.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.PayloadNew] != 2 {
		t.Fatalf("payloads not requeued: %+v", counts)
	}

	var p domain.LoadSessionPayload
	if err := db.Where("session_id = ?", session.ID).First(&p).Error; err != nil {
		t.Fatalf("load payload: %v", err)
	}
	if p.Attempts != 1 || p.NextAttemptAt == nil || !p.NextAttemptAt.After(time.Now()) {
		t.Fatalf("retry bookkeeping wrong: %+v", p)
	}
	if p.Error == "" {
		t.Fatalf("retry error not recorded: %+v", p)
	}
}

func TestPushSession_AttemptCeilingFailsTerminally(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 2)
	registry := newDestRegistry(t, "fab1-qa")

	queue := &stubQueue{err: errors.New("remote broken")}
	cfg := pushCfg()
	cfg.MaxAttempts = 1
	svc := NewPushService(db, registry, queue, cfg, zerolog.Nop())

	got, err := svc.PushSession(context.Background(), alice, session.ID)
	if err != nil {
		t.Fatalf("PushSession: %v", err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("expected COMPLETED (all failed), got %s", got.Status)
	}
	if got.FailedCount != 2 {
		t.Fatalf("failed counter wrong: %+v", got)
	}

	var failed int64
	if err := db.Model(&domain.StageRecord{}).Where("status = ?", domain.StageFailed).Count(&failed).Error; err != nil {
		t.Fatalf("count failed ledger rows: %v", err)
	}
	if failed != 2 {
		t.Fatalf("ledger not marked FAILED: %d", failed)
	}
}

func TestPushSession_UnconfiguredDestinationFailsSession(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab9", "qa", 7, 2)
	// Registry only knows fab1; fab9 has no configuration and never will
	// within this push, so nothing may stay in a retryable state.
	registry := newDestRegistry(t, "fab1-qa")

	svc := NewPushService(db, registry, &destination.SQLQueue{}, pushCfg(), zerolog.Nop())
	_, err := svc.PushSession(context.Background(), alice, session.ID)
	if !errors.Is(err, extdb.ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig, got %v", err)
	}

	counts, cerr := repo.PayloadStatusCounts(context.Background(), db, session.ID)
	if cerr != nil {
		t.Fatalf("counts: %v", cerr)
	}
	if counts[domain.PayloadFailed] != 2 {
		t.Fatalf("payloads not terminally failed: %+v", counts)
	}
	got, gerr := repo.GetSession(context.Background(), db, session.ID)
	if gerr != nil {
		t.Fatalf("reload session: %v", gerr)
	}
	if got.Status != domain.SessionFailed {
		t.Fatalf("expected session FAILED, got %s", got.Status)
	}
	if got.FailedCount != 2 {
		t.Fatalf("failed counter wrong: %+v", got)
	}

	// The ledger records the terminal failures too.
	var failed int64
	if err := db.Model(&domain.StageRecord{}).Where("status = ?", domain.StageFailed).Count(&failed).Error; err != nil {
		t.Fatalf("count failed ledger rows: %v", err)
	}
	if failed != 2 {
		t.Fatalf("ledger not marked FAILED: %d", failed)
	}
}

// brokenDestRegistry resolves the key but its DSN points into a directory
// that does not exist, so pool construction succeeds and every connection
// attempt fails. That is the transient shape: configuration is present, the
// destination just cannot be reached right now.
func brokenDestRegistry(t *testing.T, key string) *extdb.Registry {
	t.Helper()
	r := extdb.NewRegistry(
		extdb.NewConnConfig(map[string]extdb.ConnSpec{
			key: {Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "missing", "dest.db")},
		}),
		extdb.RegistryOptions{
			Registerer: prometheus.NewRegistry(),
			Logger:     zerolog.Nop(),
		},
	)
	t.Cleanup(r.Close)
	return r
}

func TestPushSession_UnreachableDestinationRequeuesBatch(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 2)
	registry := brokenDestRegistry(t, "fab1-qa")

	cfg := pushCfg()
	cfg.BackoffBase = time.Hour // keep requeued payloads out of the claim window
	cfg.BackoffCap = 2 * time.Hour
	svc := NewPushService(db, registry, &destination.SQLQueue{}, cfg, zerolog.Nop())

	_, err := svc.PushSession(context.Background(), alice, session.ID)
	if err == nil {
		t.Fatal("expected error for unreachable destination")
	}
	if errors.Is(err, extdb.ErrNoConfig) {
		t.Fatalf("connection failure misclassified as missing config: %v", err)
	}

	counts, cerr := repo.PayloadStatusCounts(context.Background(), db, session.ID)
	if cerr != nil {
		t.Fatalf("counts: %v", cerr)
	}
	if counts[domain.PayloadNew] != 2 {
		t.Fatalf("batch not returned for retry: %+v", counts)
	}
	var p domain.LoadSessionPayload
	if err := db.Where("session_id = ?", session.ID).First(&p).Error; err != nil {
		t.Fatalf("load payload: %v", err)
	}
	if p.Attempts != 1 || p.NextAttemptAt == nil || !p.NextAttemptAt.After(time.Now()) {
		t.Fatalf("batch-level retry must still count an attempt: %+v", p)
	}
}

func TestPushSession_UnreachableDestinationHonorsCeiling(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 2)
	registry := brokenDestRegistry(t, "fab1-qa")

	cfg := pushCfg()
	cfg.MaxAttempts = 1
	svc := NewPushService(db, registry, &destination.SQLQueue{}, cfg, zerolog.Nop())

	if _, err := svc.PushSession(context.Background(), alice, session.ID); err == nil {
		t.Fatal("expected error for unreachable destination")
	}

	// With a ceiling of one the first probe failure is terminal; attempts
	// must not keep growing on an endlessly broken destination.
	counts, cerr := repo.PayloadStatusCounts(context.Background(), db, session.ID)
	if cerr != nil {
		t.Fatalf("counts: %v", cerr)
	}
	if counts[domain.PayloadFailed] != 2 {
		t.Fatalf("ceiling not applied on probe failure: %+v", counts)
	}
	got, gerr := repo.GetSession(context.Background(), db, session.ID)
	if gerr != nil {
		t.Fatalf("reload session: %v", gerr)
	}
	if got.FailedCount != 2 {
		t.Fatalf("failed counter wrong: %+v", got)
	}
}

func TestRetryFailed_RequeuesAndResumes(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 2)
	registry := newDestRegistry(t, "fab1-qa")

	// Fail everything with a ceiling of 1.
	broken := &stubQueue{err: errors.New("remote broken")}
	cfg := pushCfg()
	cfg.MaxAttempts = 1
	svc := NewPushService(db, registry, broken, cfg, zerolog.Nop())
	if _, err := svc.PushSession(context.Background(), alice, session.ID); err != nil {
		t.Fatalf("failing push: %v", err)
	}

	// Retry with a healthy queue and a higher ceiling.
	healthy := NewPushService(db, registry, &stubQueue{}, pushCfg(), zerolog.Nop())
	n, err := healthy.RetryFailed(context.Background(), alice, session.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 requeued, got %d", n)
	}

	got, err := repo.GetSession(context.Background(), db, session.ID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if got.Status != domain.SessionCompleted || got.PushedRemoteCount != 2 || got.FailedCount != 0 {
		t.Fatalf("session not recovered: %+v", got)
	}

	// Nothing left to requeue.
	n, err = healthy.RetryFailed(context.Background(), alice, session.ID)
	if !errors.Is(err, ErrNothingToPush) {
		t.Fatalf("expected ErrNothingToPush, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 requeued, got %d", n)
	}
}

func TestSweepStale_ReclaimsAbandonedClaims(t *testing.T) {
	db := newSvcDB(t)
	session := newSessionFor(t, db, alice, "fab1", "qa", 7, 2)
	registry := newDestRegistry(t, "fab1-qa")

	claimed, err := repo.ClaimNextBatch(context.Background(), db, session.ID, 2)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v", err)
	}
	// Age one claim past the stale window.
	if err := db.Model(&domain.LoadSessionPayload{}).Where("id = ?", claimed[0].ID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age claim: %v", err)
	}

	svc := NewPushService(db, registry, &destination.SQLQueue{}, pushCfg(), zerolog.Nop())
	n, err := svc.SweepStale(context.Background())
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
}

func TestBackoffFor_DoublesAndCaps(t *testing.T) {
	svc := &PushService{Cfg: config.PushConfig{
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	}}

	if got := svc.backoffFor(0); got != time.Second {
		t.Fatalf("attempt 0: %v", got)
	}
	if got := svc.backoffFor(2); got != 4*time.Second {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := svc.backoffFor(10); got != 10*time.Second {
		t.Fatalf("cap not applied: %v", got)
	}
	if got := svc.backoffFor(63); got != 10*time.Second {
		t.Fatalf("shift overflow not guarded: %v", got)
	}
}
