package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ejkorg/sender-sub001/internal/domain"
)

// CreateSession inserts a session and its payload rows in one transaction.
// TotalPayloads is set from len(payloadIDs); duplicate payload ids within
// the batch violate ux_session_payload and roll the whole insert back.
func CreateSession(ctx context.Context, db *gorm.DB, session *domain.LoadSession, payloadIDs []string) error {
	session.Status = domain.SessionCreated
	session.TotalPayloads = len(payloadIDs)
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		if len(payloadIDs) == 0 {
			return nil
		}
		payloads := make([]domain.LoadSessionPayload, 0, len(payloadIDs))
		for _, pid := range payloadIDs {
			payloads = append(payloads, domain.LoadSessionPayload{
				SessionID: session.ID,
				PayloadID: pid,
				Status:    domain.PayloadNew,
			})
		}
		if err := tx.CreateInBatches(payloads, 200).Error; err != nil {
			return err
		}
		return tx.Model(session).
			Updates(map[string]any{
				"status":               domain.SessionEnqueuedLocal,
				"enqueued_local_count": len(payloadIDs),
			}).Error
	})
}

// GetSession fetches one session by id, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id uint) (*domain.LoadSession, error) {
	var s domain.LoadSession
	if err := db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns a page of sessions, newest first, optionally filtered
// by site and/or initiating user.
func ListSessions(ctx context.Context, db *gorm.DB, site, initiatedBy string, offset, limit int) ([]domain.LoadSession, int64, error) {
	q := db.WithContext(ctx).Model(&domain.LoadSession{})
	if site != "" {
		q = q.Where("site = ?", site)
	}
	if initiatedBy != "" {
		q = q.Where("initiated_by = ?", initiatedBy)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.LoadSession
	err := q.Order("id desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

// ActiveSessions lists sessions that may still have pushable payloads,
// oldest first. Used by the background sweeper to resume work after a crash.
func ActiveSessions(ctx context.Context, db *gorm.DB, limit int) ([]domain.LoadSession, error) {
	var out []domain.LoadSession
	err := db.WithContext(ctx).
		Where("status IN ?", []string{domain.SessionEnqueuedLocal, domain.SessionPushingRemote}).
		Order("id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListSessionPayloads returns payload rows for a session, optionally
// filtered by status, ordered by id.
func ListSessionPayloads(ctx context.Context, db *gorm.DB, sessionID uint, status string, offset, limit int) ([]domain.LoadSessionPayload, error) {
	q := db.WithContext(ctx).Where("session_id = ?", sessionID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.LoadSessionPayload
	err := q.Order("id asc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// ClaimNextBatch atomically claims up to batchSize NEW payloads of a session
// for one worker. The claim is a single conditional UPDATE guarded on
// status = NEW, so two concurrent claimers can never receive the same row:
// the loser's subselect rows are already STAGED by the time its UPDATE runs
// and the status guard filters them out. The claimed rows are then read back
// by the batch token, which yields the exact winner set.
//
// Rows waiting on a retry backoff (next_attempt_at in the future) are not
// eligible. Returns an empty slice when nothing is claimable.
func ClaimNextBatch(ctx context.Context, db *gorm.DB, sessionID uint, batchSize int) ([]domain.LoadSessionPayload, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	token := uuid.NewString()
	now := time.Now().UTC()

	sub := db.Model(&domain.LoadSessionPayload{}).
		Select("id").
		Where("session_id = ? AND status = ?", sessionID, domain.PayloadNew).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("id asc").
		Limit(batchSize)

	res := db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("session_id = ? AND status = ? AND id IN (?)", sessionID, domain.PayloadNew, sub).
		Updates(map[string]any{
			"status":      domain.PayloadStaged,
			"claim_token": token,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var claimed []domain.LoadSessionPayload
	err := db.WithContext(ctx).
		Where("claim_token = ? AND status = ?", token, domain.PayloadStaged).
		Order("id asc").
		Find(&claimed).Error
	return claimed, err
}

// MarkPayloadPushed finalizes a claimed payload as PUSHED. The status guard
// keeps a reclaimed-and-redelivered row from being finalized twice.
func MarkPayloadPushed(ctx context.Context, db *gorm.DB, id uint, externalID string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("id = ? AND status = ?", id, domain.PayloadStaged).
		Updates(map[string]any{
			"status":      domain.PayloadPushed,
			"attempts":    gorm.Expr("attempts + 1"),
			"external_id": externalID,
			"error":       "",
			"claim_token": "",
			"pushed_at":   now,
			"updated_at":  now,
		}).Error
}

// MarkPayloadSkipped finalizes a claimed payload as SKIPPED: the remote
// queue already holds this payload, so the outcome is success-equivalent.
func MarkPayloadSkipped(ctx context.Context, db *gorm.DB, id uint) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("id = ? AND status = ?", id, domain.PayloadStaged).
		Updates(map[string]any{
			"status":      domain.PayloadSkipped,
			"attempts":    gorm.Expr("attempts + 1"),
			"error":       "",
			"claim_token": "",
			"updated_at":  now,
		}).Error
}

// MarkPayloadRetry returns a claimed payload to NEW after a transient
// failure, recording the error and the earliest next attempt time.
func MarkPayloadRetry(ctx context.Context, db *gorm.DB, id uint, message string, nextAttempt time.Time) error {
	return db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("id = ? AND status = ?", id, domain.PayloadStaged).
		Updates(map[string]any{
			"status":          domain.PayloadNew,
			"attempts":        gorm.Expr("attempts + 1"),
			"error":           message,
			"claim_token":     "",
			"next_attempt_at": nextAttempt.UTC(),
			"updated_at":      time.Now().UTC(),
		}).Error
}

// MarkPayloadFailed finalizes a claimed payload as FAILED once the attempt
// ceiling is reached or the error is permanent.
func MarkPayloadFailed(ctx context.Context, db *gorm.DB, id uint, message string) error {
	return db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("id = ? AND status = ?", id, domain.PayloadStaged).
		Updates(map[string]any{
			"status":      domain.PayloadFailed,
			"attempts":    gorm.Expr("attempts + 1"),
			"error":       message,
			"claim_token": "",
			"updated_at":  time.Now().UTC(),
		}).Error
}

// ReclaimStale returns STAGED payloads whose claim is older than cutoff to
// NEW, clearing the token. Covers workers that died mid-batch. Returns the
// number of rows reclaimed.
func ReclaimStale(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("status = ? AND updated_at < ?", domain.PayloadStaged, cutoff.UTC()).
		Updates(map[string]any{
			"status":      domain.PayloadNew,
			"claim_token": "",
			"updated_at":  time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// RequeueFailed returns FAILED payloads of a session to NEW when their
// attempts are below ceiling and any backoff window has passed. Returns the
// number of rows requeued.
func RequeueFailed(ctx context.Context, db *gorm.DB, sessionID uint, maxAttempts int) (int64, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Where("session_id = ? AND status = ? AND attempts < ?", sessionID, domain.PayloadFailed, maxAttempts).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Updates(map[string]any{
			"status":     domain.PayloadNew,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// AddSessionCounters increments the session delivery counters and refreshes
// the session status: PUSHING_REMOTE while payloads remain, COMPLETED once
// pushed + skipped + failed reaches the total. Terminal FAILED sessions are
// left untouched.
func AddSessionCounters(ctx context.Context, db *gorm.DB, sessionID uint, pushed, skipped, failed int) (*domain.LoadSession, error) {
	var out *domain.LoadSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if pushed != 0 || skipped != 0 || failed != 0 {
			if err := tx.Model(&domain.LoadSession{}).
				Where("id = ?", sessionID).
				Updates(map[string]any{
					"pushed_remote_count": gorm.Expr("pushed_remote_count + ?", pushed),
					"skipped_count":       gorm.Expr("skipped_count + ?", skipped),
					"failed_count":        gorm.Expr("failed_count + ?", failed),
					"updated_at":          time.Now().UTC(),
				}).Error; err != nil {
				return err
			}
		}
		var s domain.LoadSession
		if err := tx.First(&s, sessionID).Error; err != nil {
			return err
		}
		if s.Status != domain.SessionFailed && s.Status != domain.SessionCompleted {
			next := domain.SessionPushingRemote
			if s.Drained() {
				next = domain.SessionCompleted
			}
			if next != s.Status {
				if err := tx.Model(&s).Update("status", next).Error; err != nil {
					return err
				}
				s.Status = next
			}
		}
		out = &s
		return nil
	})
	return out, err
}

// MarkSessionFailed flips a session to terminal FAILED (remote destination
// unusable, session-level abort).
func MarkSessionFailed(ctx context.Context, db *gorm.DB, sessionID uint) error {
	return db.WithContext(ctx).Model(&domain.LoadSession{}).
		Where("id = ? AND status NOT IN ?", sessionID, []string{domain.SessionCompleted, domain.SessionFailed}).
		Update("status", domain.SessionFailed).Error
}

// PayloadStatusCounts returns the per-status payload counts for a session.
func PayloadStatusCounts(ctx context.Context, db *gorm.DB, sessionID uint) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&domain.LoadSessionPayload{}).
		Select("status, COUNT(*) AS n").
		Where("session_id = ?", sessionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
