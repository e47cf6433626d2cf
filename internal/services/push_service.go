// Package services – PushService
//
// This file implements PushService, the engine that drains a load session
// into its external destination queue. The claim/deliver cycle is:
//
//  1. Atomically claim a batch of NEW payloads (conditional UPDATE with a
//     batch token, so concurrent claimers partition the session).
//  2. Deliver each claimed payload on its own worker: acquire a tenant
//     connection from the pool registry and insert into the remote queue
//     table.
//  3. Finalize each payload independently: PUSHED on success, SKIPPED when
//     the destination already holds the payload, NEW with a backoff window
//     on a transient error, FAILED once the attempt ceiling is reached.
//  4. Fold the terminal outcomes into the session counters and loop until
//     no payload is claimable.
//
// A payload failure never aborts its batch. A destination that cannot hand
// out connections finalizes the whole claimed batch at once: through the
// normal retry ceiling for transient failures, terminally (payloads and
// session FAILED) when the tenant key has no configuration at all.

package services

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/ejkorg/sender-sub001/internal/config"
	"github.com/ejkorg/sender-sub001/internal/destination"
	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/extdb"
	"github.com/ejkorg/sender-sub001/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// pushOutcomes counts payload delivery outcomes by result.
	pushOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_payload_outcomes_total",
			Help: "Total payload delivery outcomes by result.",
		},
		[]string{"outcome"}, // pushed | skipped | retried | failed
	)

	// pushBatches counts claimed batches.
	pushBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_batches_claimed_total",
			Help: "Total payload batches claimed for delivery.",
		},
	)

	// reclaimedPayloads counts stale claims returned to NEW by the sweeper.
	reclaimedPayloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_payloads_reclaimed_total",
			Help: "Total stale claimed payloads returned to the queue.",
		},
	)

	// sessionsCompleted counts sessions that reached COMPLETED.
	sessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_sessions_completed_total",
			Help: "Total load sessions drained to completion.",
		},
	)
)

func init() {
	prometheus.MustRegister(pushOutcomes, pushBatches, reclaimedPayloads, sessionsCompleted)
}

// batchTally folds the outcomes of one claimed batch.
type batchTally struct {
	Pushed  int
	Skipped int
	Retried int
	Failed  int
}

// PushService drains load sessions into external destination queues.
type PushService struct {
	DB       *gorm.DB
	Registry *extdb.Registry
	Queue    destination.Queue
	Cfg      config.PushConfig
	Log      zerolog.Logger

	limiter *rate.Limiter
}

// NewPushService wires a push engine. A DispatchRate of zero disables the
// claim rate limiter.
func NewPushService(db *gorm.DB, registry *extdb.Registry, queue destination.Queue, cfg config.PushConfig, log zerolog.Logger) *PushService {
	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	return &PushService{
		DB:       db,
		Registry: registry,
		Queue:    queue,
		Cfg:      cfg,
		Log:      log.With().Str("component", "push").Logger(),
		limiter:  limiter,
	}
}

// PushSession drains one session until no payload is claimable. Pushing a
// session whose payloads are all terminal is a no-op that reports the
// current state. Non-privileged actors may only push their own sessions.
func (s *PushService) PushSession(ctx context.Context, actor domain.Actor, sessionID uint) (*domain.LoadSession, error) {
	tr := otel.Tracer("services/PushService")
	ctx, span := tr.Start(ctx, "PushSession",
		trace.WithAttributes(attribute.Int("session.id", int(sessionID))),
	)
	defer span.End()

	session, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !actor.Admin && session.InitiatedBy != actor.Username {
		return nil, ErrSessionNotFound
	}
	return s.drain(ctx, session)
}

// drain runs the claim/deliver loop for one session.
func (s *PushService) drain(ctx context.Context, session *domain.LoadSession) (*domain.LoadSession, error) {
	if !s.Cfg.AllowRemote {
		return nil, ErrRemoteWritesDisabled
	}

	current := session
	for {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return current, err
			}
		}

		claimed, err := repo.ClaimNextBatch(ctx, s.DB, session.ID, s.Cfg.BatchSize)
		if err != nil {
			return current, err
		}
		if len(claimed) == 0 {
			break
		}
		pushBatches.Inc()

		tally, derr := s.deliverBatch(ctx, session, claimed)
		updated, cerr := repo.AddSessionCounters(ctx, s.DB, session.ID, tally.Pushed, tally.Skipped, tally.Failed)
		if cerr != nil {
			return current, cerr
		}
		current = updated
		if derr != nil {
			// Destination unusable for this batch; the payloads are
			// already back in a retryable state.
			return current, derr
		}
		if current.Status == domain.SessionCompleted {
			sessionsCompleted.Inc()
			break
		}
	}
	return current, nil
}

// deliverBatch pushes one claimed batch with a bounded worker pool. Each
// worker holds its own tenant connection so deliveries do not serialize on a
// single database session.
func (s *PushService) deliverBatch(ctx context.Context, session *domain.LoadSession, claimed []domain.LoadSessionPayload) (batchTally, error) {
	// One connectivity probe before fanning out: if the tenant pool cannot
	// hand out a connection at all, finalize the whole batch here instead of
	// burning a connection attempt per payload.
	probe, _, err := s.Registry.Acquire(ctx, session.Site, session.Environment)
	if err != nil {
		return s.failProbe(ctx, session, claimed, err), err
	}
	probe.Close()

	workers := s.Cfg.Workers
	if workers < 1 {
		workers = 1
	}

	type outcome struct{ pushed, skipped, retried, failed bool }
	outcomes := make([]outcome, len(claimed))

	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx)
	for i := range claimed {
		i := i
		p.Go(func(ctx context.Context) error {
			switch s.deliverOne(ctx, session, &claimed[i]) {
			case domain.PayloadPushed:
				outcomes[i].pushed = true
			case domain.PayloadSkipped:
				outcomes[i].skipped = true
			case domain.PayloadFailed:
				outcomes[i].failed = true
			default:
				outcomes[i].retried = true
			}
			return nil
		})
	}
	if werr := p.Wait(); werr != nil {
		return batchTally{}, werr
	}

	var tally batchTally
	for _, o := range outcomes {
		switch {
		case o.pushed:
			tally.Pushed++
			pushOutcomes.WithLabelValues("pushed").Inc()
		case o.skipped:
			tally.Skipped++
			pushOutcomes.WithLabelValues("skipped").Inc()
		case o.failed:
			tally.Failed++
			pushOutcomes.WithLabelValues("failed").Inc()
		default:
			tally.Retried++
			pushOutcomes.WithLabelValues("retried").Inc()
		}
	}
	return tally, nil
}

// failProbe finalizes a batch whose destination probe failed. A tenant key
// with no configuration can never recover on its own, so the payloads and
// the session fail terminally; any other probe error goes through the normal
// attempt ceiling, one attempt per payload per probe.
func (s *PushService) failProbe(ctx context.Context, session *domain.LoadSession, claimed []domain.LoadSessionPayload, cause error) batchTally {
	permanent := errors.Is(cause, extdb.ErrNoConfig)
	s.Log.Warn().Err(cause).
		Uint("session_id", session.ID).
		Str("site", session.Site).
		Bool("permanent", permanent).
		Msg("destination unavailable for batch")

	var tally batchTally
	for i := range claimed {
		p := &claimed[i]
		metadataID, dataID, _ := domain.SplitPayloadID(p.PayloadID)
		if permanent {
			s.finalizeFailed(ctx, session, p, metadataID, dataID, cause)
			tally.Failed++
			pushOutcomes.WithLabelValues("failed").Inc()
			continue
		}
		switch s.finalizeRetryable(ctx, session, p, metadataID, dataID, cause) {
		case domain.PayloadFailed:
			tally.Failed++
			pushOutcomes.WithLabelValues("failed").Inc()
		default:
			tally.Retried++
			pushOutcomes.WithLabelValues("retried").Inc()
		}
	}
	if permanent {
		if err := repo.MarkSessionFailed(ctx, s.DB, session.ID); err != nil {
			s.Log.Error().Err(err).Uint("session_id", session.ID).Msg("failed to mark session terminally failed")
		}
	}
	return tally
}

// deliverOne pushes a single claimed payload and finalizes its row. The
// return value is the payload status written (PayloadNew means requeued for
// retry).
func (s *PushService) deliverOne(ctx context.Context, session *domain.LoadSession, p *domain.LoadSessionPayload) string {
	metadataID, dataID, err := domain.SplitPayloadID(p.PayloadID)
	if err != nil {
		// Malformed ids can never succeed; fail terminally on first sight.
		s.finalizeFailed(ctx, session, p, metadataID, dataID, err)
		return domain.PayloadFailed
	}

	conn, _, err := s.Registry.Acquire(ctx, session.Site, session.Environment)
	if err != nil {
		return s.finalizeRetryable(ctx, session, p, metadataID, dataID, err)
	}
	defer conn.Close()

	externalID, err := s.Queue.Insert(ctx, conn, destination.Item{
		MetadataID: metadataID,
		DataID:     dataID,
		SenderID:   session.SenderID,
		CreatedAt:  time.Now().UTC(),
	})
	switch {
	case err == nil:
		if merr := repo.MarkPayloadPushed(ctx, s.DB, p.ID, externalID); merr != nil {
			s.Log.Error().Err(merr).Uint("payload_id", p.ID).Msg("failed to finalize pushed payload")
		}
		if serr := repo.MarkStageSent(ctx, s.DB, session.Site, session.SenderID, metadataID, dataID); serr != nil {
			s.Log.Error().Err(serr).Uint("payload_id", p.ID).Msg("failed to update stage ledger")
		}
		return domain.PayloadPushed
	case destination.IsDuplicate(err):
		// The destination already holds this payload; success-equivalent.
		if merr := repo.MarkPayloadSkipped(ctx, s.DB, p.ID); merr != nil {
			s.Log.Error().Err(merr).Uint("payload_id", p.ID).Msg("failed to finalize skipped payload")
		}
		if serr := repo.MarkStageSent(ctx, s.DB, session.Site, session.SenderID, metadataID, dataID); serr != nil {
			s.Log.Error().Err(serr).Uint("payload_id", p.ID).Msg("failed to update stage ledger")
		}
		return domain.PayloadSkipped
	default:
		return s.finalizeRetryable(ctx, session, p, metadataID, dataID, err)
	}
}

// finalizeRetryable requeues a payload with backoff, or fails it terminally
// when the next attempt would exceed the ceiling.
func (s *PushService) finalizeRetryable(ctx context.Context, session *domain.LoadSession, p *domain.LoadSessionPayload, metadataID, dataID string, cause error) string {
	if p.Attempts+1 >= s.Cfg.MaxAttempts {
		s.finalizeFailed(ctx, session, p, metadataID, dataID, cause)
		return domain.PayloadFailed
	}
	next := time.Now().Add(s.backoffFor(p.Attempts))
	if err := repo.MarkPayloadRetry(ctx, s.DB, p.ID, cause.Error(), next); err != nil {
		s.Log.Error().Err(err).Uint("payload_id", p.ID).Msg("failed to requeue payload")
	}
	s.Log.Warn().Err(cause).
		Uint("session_id", session.ID).
		Uint("payload_id", p.ID).
		Int("attempts", p.Attempts+1).
		Time("next_attempt_at", next).
		Msg("payload delivery failed, will retry")
	return domain.PayloadNew
}

func (s *PushService) finalizeFailed(ctx context.Context, session *domain.LoadSession, p *domain.LoadSessionPayload, metadataID, dataID string, cause error) {
	if err := repo.MarkPayloadFailed(ctx, s.DB, p.ID, cause.Error()); err != nil {
		s.Log.Error().Err(err).Uint("payload_id", p.ID).Msg("failed to finalize failed payload")
	}
	if metadataID != "" && dataID != "" {
		if err := repo.MarkStageFailed(ctx, s.DB, session.Site, session.SenderID, metadataID, dataID, cause.Error()); err != nil {
			s.Log.Error().Err(err).Uint("payload_id", p.ID).Msg("failed to update stage ledger")
		}
	}
	s.Log.Error().Err(cause).
		Uint("session_id", session.ID).
		Uint("payload_id", p.ID).
		Int("attempts", p.Attempts+1).
		Msg("payload delivery failed terminally")
}

// backoffFor computes the delay before the next attempt: BackoffBase shifted
// left once per prior attempt, capped at BackoffCap.
func (s *PushService) backoffFor(attempts int) time.Duration {
	base := s.Cfg.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	capd := s.Cfg.BackoffCap
	if capd <= 0 {
		capd = 5 * time.Minute
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		return capd
	}
	d := base << uint(attempts)
	if d > capd || d <= 0 {
		d = capd
	}
	return d
}

// RetryFailed requeues the FAILED payloads of a session whose attempts are
// below the ceiling, then resumes draining. Returns how many payloads were
// requeued, or ErrNothingToPush when no payload qualifies.
func (s *PushService) RetryFailed(ctx context.Context, actor domain.Actor, sessionID uint) (int64, error) {
	tr := otel.Tracer("services/PushService")
	ctx, span := tr.Start(ctx, "RetryFailed",
		trace.WithAttributes(attribute.Int("session.id", int(sessionID))),
	)
	defer span.End()

	session, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, ErrSessionNotFound
		}
		return 0, err
	}
	if !actor.Admin && session.InitiatedBy != actor.Username {
		return 0, ErrSessionNotFound
	}

	n, err := repo.RequeueFailed(ctx, s.DB, sessionID, s.Cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNothingToPush
	}
	// Requeued payloads subtract from the failed counter; rebuild the
	// session status from live payload counts.
	if _, err := repo.AddSessionCounters(ctx, s.DB, sessionID, 0, 0, -int(n)); err != nil {
		return n, err
	}
	if _, err := s.drain(ctx, session); err != nil {
		return n, err
	}
	return n, nil
}

// SweepStale returns abandoned STAGED payloads to the queue. Called
// periodically by Run, exposed for tests and manual recovery.
func (s *PushService) SweepStale(ctx context.Context) (int64, error) {
	staleAfter := s.Cfg.StaleClaim
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	n, err := repo.ReclaimStale(ctx, s.DB, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		reclaimedPayloads.Add(float64(n))
		s.Log.Info().Int64("reclaimed", n).Msg("returned stale claims to queue")
	}
	return n, nil
}

// Run is the background maintenance loop: every SweepInterval it reclaims
// stale claims and resumes sessions that still have deliverable payloads
// (crash recovery and retry backoff expiry). Run blocks until ctx is
// canceled.
func (s *PushService) Run(ctx context.Context) {
	interval := s.Cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Log.Info().Dur("interval", interval).Msg("push sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Log.Info().Msg("push sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil {
				s.Log.Error().Err(err).Msg("stale claim sweep failed")
			}
			if !s.Cfg.AllowRemote {
				continue
			}
			sessions, err := repo.ActiveSessions(ctx, s.DB, 20)
			if err != nil {
				s.Log.Error().Err(err).Msg("active session scan failed")
				continue
			}
			for i := range sessions {
				if _, err := s.drain(ctx, &sessions[i]); err != nil && ctx.Err() == nil {
					s.Log.Warn().Err(err).Uint("session_id", sessions[i].ID).Msg("session drain incomplete")
				}
			}
		}
	}
}
