// Package domain defines the persistence models for stage records, load
// sessions, and session payloads. These types are mapped with GORM and form
// the core data layer of the dearchiver sender pipeline.
package domain

import (
	"time"
)

// StageRecord statuses. A record is terminal in StageSent or StageFailed;
// terminal rows are kept for audit and dedup history, never deleted.
const (
	StageReady    = "READY"
	StageEnqueued = "ENQUEUED"
	StageSent     = "SENT"
	StageFailed   = "FAILED"
)

// LoadSession statuses.
const (
	SessionCreated       = "CREATED"
	SessionDiscovering   = "DISCOVERING"
	SessionEnqueuedLocal = "ENQUEUED_LOCAL"
	SessionPushingRemote = "PUSHING_REMOTE"
	SessionCompleted     = "COMPLETED"
	SessionFailed        = "FAILED"
)

// LoadSessionPayload statuses. PayloadStaged means claimed by a worker and
// in flight; the terminal states never transition further.
const (
	PayloadNew     = "NEW"
	PayloadStaged  = "STAGED"
	PayloadPushed  = "PUSHED"
	PayloadFailed  = "FAILED"
	PayloadSkipped = "SKIPPED"
)

// StageRecord is the user-facing dedup ledger: one candidate payload a user
// wants dispatched. The tuple (site, sender_id, metadata_id, data_id) is
// unique; re-staging an existing record updates LastRequestedBy/At in place
// instead of inserting a second row.
//
// Fields:
//   - Site / SenderID / MetadataID / DataID: natural dedup key.
//   - Status: READY, ENQUEUED, SENT, or FAILED.
//   - StagedBy: actor who first staged the record.
//   - LastRequestedBy / LastRequestedAt: most recent (re-)stage request.
//   - ErrorMessage: last delivery error, if any.
//   - ProcessedAt: set when the record reaches SENT.
type StageRecord struct {
	ID              uint       `json:"id"                gorm:"primaryKey"`
	Site            string     `json:"site"              gorm:"type:varchar(64);not null;uniqueIndex:ux_stage_dedup,priority:1"`
	SenderID        int        `json:"sender_id"         gorm:"not null;uniqueIndex:ux_stage_dedup,priority:2"`
	MetadataID      string     `json:"metadata_id"       gorm:"type:varchar(255);not null;uniqueIndex:ux_stage_dedup,priority:3"`
	DataID          string     `json:"data_id"           gorm:"type:varchar(255);not null;uniqueIndex:ux_stage_dedup,priority:4"`
	Status          string     `json:"status"            gorm:"type:varchar(16);not null;default:'READY';index"`
	StagedBy        string     `json:"staged_by"         gorm:"type:varchar(64);not null;index"`
	LastRequestedBy string     `json:"last_requested_by" gorm:"type:varchar(64);index"`
	LastRequestedAt *time.Time `json:"last_requested_at"`
	ErrorMessage    string     `json:"error_message,omitempty" gorm:"type:text"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for StageRecord.
func (StageRecord) TableName() string { return "stage_records" }

// Terminal reports whether the record is in a terminal status.
func (r *StageRecord) Terminal() bool {
	return r.Status == StageSent || r.Status == StageFailed
}

// LoadSession is one dispatch run: a batch of payloads destined for one
// (site, sender) pair. Counters are maintained by the push pipeline; the
// session reaches COMPLETED once pushed + skipped + failed equals the total.
type LoadSession struct {
	ID                 uint      `json:"id"           gorm:"primaryKey"`
	InitiatedBy        string    `json:"initiated_by" gorm:"type:varchar(64);not null"`
	Site               string    `json:"site"         gorm:"type:varchar(64);not null;index"`
	Environment        string    `json:"environment"  gorm:"type:varchar(32)"`
	SenderID           int       `json:"sender_id"    gorm:"not null"`
	Source             string    `json:"source"       gorm:"type:varchar(64)"`
	Status             string    `json:"status"       gorm:"type:varchar(24);not null;default:'CREATED'"`
	TotalPayloads      int       `json:"total_payloads"       gorm:"not null;default:0"`
	EnqueuedLocalCount int       `json:"enqueued_local_count" gorm:"not null;default:0"`
	PushedRemoteCount  int       `json:"pushed_remote_count"  gorm:"not null;default:0"`
	SkippedCount       int       `json:"skipped_count"        gorm:"not null;default:0"`
	FailedCount        int       `json:"failed_count"         gorm:"not null;default:0"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName returns the database table name for LoadSession.
func (LoadSession) TableName() string { return "load_sessions" }

// Drained reports whether every payload has reached a terminal state.
func (s *LoadSession) Drained() bool {
	return s.TotalPayloads > 0 &&
		s.PushedRemoteCount+s.SkippedCount+s.FailedCount >= s.TotalPayloads
}

// LoadSessionPayload is one payload within a session. A payload belongs to
// exactly one session for its whole life. ClaimToken is set by the atomic
// claim update and identifies the worker batch that owns the row while it is
// STAGED.
//
// Fields:
//   - SessionID: owning session (cascade delete).
//   - PayloadID: "metadataId,dataId" composite, unique within the session.
//   - Status: NEW, STAGED, PUSHED, FAILED, or SKIPPED.
//   - Attempts: delivery attempts so far; increments monotonically.
//   - NextAttemptAt: earliest time a FAILED payload may be requeued.
//   - ExternalID: identifier assigned by the remote queue on success.
//   - ClaimToken: batch token of the claiming worker, cleared on reclaim.
type LoadSessionPayload struct {
	ID            uint       `json:"id"         gorm:"primaryKey"`
	SessionID     uint       `json:"session_id" gorm:"not null;index;uniqueIndex:ux_session_payload,priority:1"`
	PayloadID     string     `json:"payload_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_session_payload,priority:2"`
	Status        string     `json:"status"     gorm:"type:varchar(16);not null;default:'NEW';index"`
	Attempts      int        `json:"attempts"   gorm:"not null;default:0"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ExternalID    string     `json:"external_id,omitempty" gorm:"type:varchar(64)"`
	Error         string     `json:"error,omitempty"       gorm:"type:text"`
	ClaimToken    string     `json:"-"          gorm:"type:char(36);index"`
	PushedAt      *time.Time `json:"pushed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"index"`

	// Session is the owning dispatch run. Payloads are cascade-deleted
	// if their session is removed.
	Session LoadSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for LoadSessionPayload.
func (LoadSessionPayload) TableName() string { return "load_session_payloads" }

// TerminalPayload reports whether the payload status is terminal.
func (p *LoadSessionPayload) TerminalPayload() bool {
	switch p.Status {
	case PayloadPushed, PayloadFailed, PayloadSkipped:
		return true
	}
	return false
}
