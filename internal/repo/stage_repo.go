// Package repo – repository functions for the StageRecord dedup ledger.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/ejkorg/sender-sub001/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist. It aliases
// gorm.ErrRecordNotFound for convenience and consistency across the service
// layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// FindStageRecord fetches the record for one dedup key, or ErrNotFound.
// Key equality is exact-match and case-sensitive.
func FindStageRecord(ctx context.Context, db *gorm.DB, site string, senderID int, metadataID, dataID string) (*domain.StageRecord, error) {
	var rec domain.StageRecord
	err := db.WithContext(ctx).
		Where("site = ? AND sender_id = ? AND metadata_id = ? AND data_id = ?", site, senderID, metadataID, dataID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateStageRecord inserts a new READY record staged by actor.
func CreateStageRecord(ctx context.Context, db *gorm.DB, site string, senderID int, metadataID, dataID, actor string) (*domain.StageRecord, error) {
	now := time.Now().UTC()
	rec := &domain.StageRecord{
		Site:            site,
		SenderID:        senderID,
		MetadataID:      metadataID,
		DataID:          dataID,
		Status:          domain.StageReady,
		StagedBy:        actor,
		LastRequestedBy: actor,
		LastRequestedAt: &now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkRestaged updates LastRequestedBy/At on an existing record. When
// resetToReady is true (re-staging a terminal record) the status returns to
// READY and the previous error is cleared.
func MarkRestaged(ctx context.Context, db *gorm.DB, id uint, actor string, resetToReady bool) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"last_requested_by": actor,
		"last_requested_at": now,
		"updated_at":        now,
	}
	if resetToReady {
		updates["status"] = domain.StageReady
		updates["error_message"] = ""
		updates["processed_at"] = nil
	}
	res := db.WithContext(ctx).Model(&domain.StageRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStageEnqueued flips READY records to ENQUEUED when they are
// materialized into a session.
func MarkStageEnqueued(ctx context.Context, db *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.StageRecord{}).
		Where("id IN ? AND status = ?", ids, domain.StageReady).
		Updates(map[string]any{"status": domain.StageEnqueued, "updated_at": time.Now().UTC()}).Error
}

// MarkStageSent records successful (or already-present) delivery for one
// dedup key.
func MarkStageSent(ctx context.Context, db *gorm.DB, site string, senderID int, metadataID, dataID string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.StageRecord{}).
		Where("site = ? AND sender_id = ? AND metadata_id = ? AND data_id = ?", site, senderID, metadataID, dataID).
		Updates(map[string]any{
			"status":        domain.StageSent,
			"error_message": "",
			"processed_at":  now,
			"updated_at":    now,
		}).Error
}

// MarkStageFailed records a terminal delivery failure for one dedup key.
func MarkStageFailed(ctx context.Context, db *gorm.DB, site string, senderID int, metadataID, dataID, message string) error {
	return db.WithContext(ctx).Model(&domain.StageRecord{}).
		Where("site = ? AND sender_id = ? AND metadata_id = ? AND data_id = ?", site, senderID, metadataID, dataID).
		Updates(map[string]any{
			"status":        domain.StageFailed,
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// ReadyStageRecords returns up to limit READY records for a (site, sender)
// pair, oldest first.
func ReadyStageRecords(ctx context.Context, db *gorm.DB, site string, senderID int, limit int) ([]domain.StageRecord, error) {
	var out []domain.StageRecord
	err := db.WithContext(ctx).
		Where("site = ? AND sender_id = ? AND status = ?", site, senderID, domain.StageReady).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SitesWithReady lists the distinct sites that have READY records, used by
// the per-site dispatch trigger.
func SitesWithReady(ctx context.Context, db *gorm.DB) ([]string, error) {
	var sites []string
	err := db.WithContext(ctx).Model(&domain.StageRecord{}).
		Where("status = ?", domain.StageReady).
		Distinct("site").
		Order("site asc").
		Pluck("site", &sites).Error
	return sites, err
}

// SendersWithReady lists the distinct sender ids with READY records for a
// site (dispatch grouping rule: one push group per sender).
func SendersWithReady(ctx context.Context, db *gorm.DB, site string) ([]int, error) {
	var senders []int
	err := db.WithContext(ctx).Model(&domain.StageRecord{}).
		Where("site = ? AND status = ?", site, domain.StageReady).
		Distinct("sender_id").
		Order("sender_id asc").
		Pluck("sender_id", &senders).Error
	return senders, err
}

// stageScope narrows a query to records owned by username (staged or last
// requested by them) when username is non-empty.
func stageScope(db *gorm.DB, username string) *gorm.DB {
	if username == "" {
		return db
	}
	return db.Where("staged_by = ? OR last_requested_by = ?", username, username)
}

// ListStageRecords returns a page of records for a site, optionally filtered
// by sender, status, and owning username (non-privileged scoping happens at
// the SQL level).
func ListStageRecords(ctx context.Context, db *gorm.DB, site string, senderID *int, status, username string, offset, limit int) ([]domain.StageRecord, error) {
	q := db.WithContext(ctx).Where("site = ?", site)
	if senderID != nil {
		q = q.Where("sender_id = ?", *senderID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	q = stageScope(q, username)
	var out []domain.StageRecord
	err := q.Order("id desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// CountStageRecords returns the total matching ListStageRecords for
// pagination metadata.
func CountStageRecords(ctx context.Context, db *gorm.DB, site string, senderID *int, status, username string) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.StageRecord{}).Where("site = ?", site)
	if senderID != nil {
		q = q.Where("sender_id = ?", *senderID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	q = stageScope(q, username)
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// StageStatusRow is one aggregate row per (site, sender).
type StageStatusRow struct {
	Site      string `json:"site"`
	SenderID  int    `json:"sender_id"`
	Total     int64  `json:"total"`
	Ready     int64  `json:"ready"`
	Enqueued  int64  `json:"enqueued"`
	Failed    int64  `json:"failed"`
	Completed int64  `json:"completed"`
}

// AggregateStageStatus groups record counts by (site, sender). When
// username is non-empty only records owned by that user are counted.
func AggregateStageStatus(ctx context.Context, db *gorm.DB, username string) ([]StageStatusRow, error) {
	q := db.WithContext(ctx).Model(&domain.StageRecord{}).
		Select(`site, sender_id,
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'READY' THEN 1 ELSE 0 END) AS ready,
			SUM(CASE WHEN status = 'ENQUEUED' THEN 1 ELSE 0 END) AS enqueued,
			SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN status = 'SENT' THEN 1 ELSE 0 END) AS completed`)
	q = stageScope(q, username)
	var rows []StageStatusRow
	err := q.Group("site, sender_id").Order("site asc, sender_id asc").Scan(&rows).Error
	return rows, err
}

// StageUserRow is one per-user aggregate for a (site, sender) pair. The
// user key prefers last_requested_by, falling back to staged_by.
type StageUserRow struct {
	Username        string     `json:"username"`
	Total           int64      `json:"total"`
	Ready           int64      `json:"ready"`
	Enqueued        int64      `json:"enqueued"`
	Failed          int64      `json:"failed"`
	Completed       int64      `json:"completed"`
	LastRequestedAt *time.Time `json:"last_requested_at"`
}

// stageUserScan mirrors StageUserRow with the aggregate timestamp still raw.
// MAX() strips the column's declared type, so SQLite hands the value back as
// text and the driver cannot scan it into time.Time directly.
type stageUserScan struct {
	Username        string
	Total           int64
	Ready           int64
	Enqueued        int64
	Failed          int64
	Completed       int64
	LastRequestedAt sql.NullString
}

// aggregateTimeLayouts are the text forms sqlite drivers emit for stored
// timestamps.
var aggregateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseAggregateTime(s string) *time.Time {
	for _, layout := range aggregateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// AggregateStageUsers returns the per-user breakdown for a (site, sender)
// pair. Included only in the privileged status view.
func AggregateStageUsers(ctx context.Context, db *gorm.DB, site string, senderID int) ([]StageUserRow, error) {
	var scans []stageUserScan
	err := db.WithContext(ctx).Model(&domain.StageRecord{}).
		Select(`CASE WHEN last_requested_by <> '' THEN last_requested_by ELSE staged_by END AS username,
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'READY' THEN 1 ELSE 0 END) AS ready,
			SUM(CASE WHEN status = 'ENQUEUED' THEN 1 ELSE 0 END) AS enqueued,
			SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN status = 'SENT' THEN 1 ELSE 0 END) AS completed,
			MAX(last_requested_at) AS last_requested_at`).
		Where("site = ? AND sender_id = ?", site, senderID).
		Group("CASE WHEN last_requested_by <> '' THEN last_requested_by ELSE staged_by END").
		Order("username asc").
		Scan(&scans).Error
	if err != nil {
		return nil, err
	}
	rows := make([]StageUserRow, 0, len(scans))
	for _, s := range scans {
		row := StageUserRow{
			Username:  s.Username,
			Total:     s.Total,
			Ready:     s.Ready,
			Enqueued:  s.Enqueued,
			Failed:    s.Failed,
			Completed: s.Completed,
		}
		if s.LastRequestedAt.Valid {
			row.LastRequestedAt = parseAggregateTime(s.LastRequestedAt.String)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
