// Package destination implements the remote queue table contract: inserting
// dearchived payload rows into a tenant's sender queue and classifying
// duplicate-key rejections separately from generic failures.
package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicate marks a destination-side uniqueness rejection: the remote
// queue already holds this payload. It is an expected, non-retryable
// outcome, not a delivery failure.
var ErrDuplicate = errors.New("duplicate payload in remote queue")

// DefaultTable is the remote queue table name used by the sender.
const DefaultTable = "dtp_sender_queue_item"

// Item is one row bound for the remote queue.
type Item struct {
	MetadataID string
	DataID     string
	SenderID   int
	CreatedAt  time.Time
}

// Queue accepts payload inserts against an acquired tenant connection and
// returns the identifier the remote system assigned.
type Queue interface {
	Insert(ctx context.Context, conn *sql.Conn, item Item) (externalID string, err error)
}

// SQLQueue is the production Queue over a plain SQL sender queue table.
type SQLQueue struct {
	// Table overrides DefaultTable when non-empty.
	Table string
}

func (q *SQLQueue) table() string {
	if q.Table != "" {
		return q.Table
	}
	return DefaultTable
}

// Insert writes one payload row and resolves the generated id. Uniqueness
// violations are returned wrapped in ErrDuplicate so the caller can mark
// the payload skipped instead of failed.
func (q *SQLQueue) Insert(ctx context.Context, conn *sql.Conn, item Item) (string, error) {
	created := item.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := conn.ExecContext(ctx,
		"INSERT INTO "+q.table()+" (id_metadata, id_data, id_sender, record_created) VALUES (?, ?, ?, ?)",
		item.MetadataID, item.DataID, item.SenderID, created,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return "", fmt.Errorf("%w: %s,%s", ErrDuplicate, item.MetadataID, item.DataID)
		}
		return "", err
	}

	if id, idErr := res.LastInsertId(); idErr == nil && id > 0 {
		return fmt.Sprintf("%d", id), nil
	}

	// Some drivers do not report generated keys; fall back to reading the
	// row we just wrote, with a little clock leeway.
	var id int64
	err = conn.QueryRowContext(ctx,
		"SELECT id FROM "+q.table()+" WHERE id_metadata = ? AND id_data = ? AND id_sender = ? AND record_created >= ? ORDER BY id DESC",
		item.MetadataID, item.DataID, item.SenderID, created.Add(-2*time.Second),
	).Scan(&id)
	if err != nil {
		// The insert itself succeeded; report success without an id
		// rather than forcing a retry that would hit the unique key.
		return "", nil
	}
	return fmt.Sprintf("%d", id), nil
}

// Bootstrap creates the queue table and its uniqueness constraint for
// dev/test destinations. Production tenants own their schema.
func Bootstrap(ctx context.Context, db *sql.DB, table string) error {
	if table == "" {
		table = DefaultTable
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + table + " (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"id_metadata VARCHAR(255) NOT NULL, " +
			"id_data VARCHAR(255) NOT NULL, " +
			"id_sender INTEGER NOT NULL, " +
			"record_created TIMESTAMP NOT NULL)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_" + table + "_payload ON " + table + " (id_metadata, id_data, id_sender)",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap destination: %w", err)
		}
	}
	return nil
}

// isConstraintViolation recognizes uniqueness/constraint rejections across
// the drivers we target (sqlite's "UNIQUE constraint failed", Oracle's
// ORA-00001, SQLSTATE class 23).
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "UNIQUE") ||
		strings.Contains(msg, "ORA-00001") ||
		strings.Contains(msg, "CONSTRAINT") ||
		strings.Contains(msg, "SQLSTATE 23")
}

// IsDuplicate reports whether err represents a destination duplicate.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
