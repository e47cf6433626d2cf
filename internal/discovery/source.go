// Package discovery defines the candidate source collaborator: the component
// that turns filter criteria into a finite, restartable sequence of payload
// candidates. The pipeline itself only depends on the Source interface; the
// SQL implementation in this package queries the tenant metadata store.
package discovery

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// CandidateRow is one discovered payload candidate.
type CandidateRow struct {
	MetadataID string    `json:"metadata_id"`
	DataID     string    `json:"data_id"`
	Lot        string    `json:"lot,omitempty"`
	Wafer      string    `json:"wafer,omitempty"`
	EndTime    time.Time `json:"end_time"`
	FileName   string    `json:"file_name,omitempty"`
}

// Criteria narrows a discovery query. Zero-valued fields are not applied.
//
// TestPhase carries a backward-compatibility rule: a blank value or the
// sentinel "NONE" matches rows whose phase column is NULL, not all rows.
// Callers that want no phase filtering at all must leave MatchAnyPhase set.
type Criteria struct {
	Site          string
	Environment   string
	Lot           string
	TestPhase     string
	MatchAnyPhase bool
	Begin         time.Time
	End           time.Time
}

// PhaseIsNull reports whether the criteria's test phase selects NULL-phase
// rows (blank or the "NONE" sentinel).
func (c Criteria) PhaseIsNull() bool {
	p := strings.TrimSpace(c.TestPhase)
	return p == "" || strings.EqualFold(p, "NONE")
}

// Source produces candidate payload rows for given criteria.
type Source interface {
	// FetchAll returns up to limit candidates.
	FetchAll(ctx context.Context, c Criteria, limit int) ([]CandidateRow, error)

	// Stream invokes fn per candidate in query order until the rows are
	// exhausted or fn returns false (early stop).
	Stream(ctx context.Context, c Criteria, fn func(CandidateRow) bool) error
}

// SQLSource discovers candidates from a metadata table reachable through a
// plain database handle (typically one of the registry's tenant pools).
type SQLSource struct {
	DB *sql.DB

	// Table overrides the metadata table name; defaults to "dtp_metadata".
	Table string
}

func (s *SQLSource) table() string {
	if s.Table != "" {
		return s.Table
	}
	return "dtp_metadata"
}

// query builds the SELECT plus its args for criteria.
func (s *SQLSource) query(c Criteria, limit int) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, 6)
	b.WriteString("SELECT id, id_data, lot, wafer, end_time, file_name FROM ")
	b.WriteString(s.table())
	b.WriteString(" WHERE 1=1")
	if c.Lot != "" {
		b.WriteString(" AND lot = ?")
		args = append(args, c.Lot)
	}
	if !c.MatchAnyPhase {
		if c.PhaseIsNull() {
			b.WriteString(" AND test_phase IS NULL")
		} else {
			b.WriteString(" AND test_phase = ?")
			args = append(args, c.TestPhase)
		}
	}
	if !c.Begin.IsZero() {
		b.WriteString(" AND end_time >= ?")
		args = append(args, c.Begin.UTC())
	}
	if !c.End.IsZero() {
		b.WriteString(" AND end_time <= ?")
		args = append(args, c.End.UTC())
	}
	b.WriteString(" ORDER BY end_time ASC, id ASC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	return b.String(), args
}

// FetchAll returns up to limit candidates matching the criteria.
func (s *SQLSource) FetchAll(ctx context.Context, c Criteria, limit int) ([]CandidateRow, error) {
	out := make([]CandidateRow, 0, 64)
	err := s.scan(ctx, c, limit, func(row CandidateRow) bool {
		out = append(out, row)
		return true
	})
	return out, err
}

// Stream walks candidates in query order until fn returns false.
func (s *SQLSource) Stream(ctx context.Context, c Criteria, fn func(CandidateRow) bool) error {
	return s.scan(ctx, c, 0, fn)
}

func (s *SQLSource) scan(ctx context.Context, c Criteria, limit int, fn func(CandidateRow) bool) error {
	q, args := s.query(c, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row      CandidateRow
			lot      sql.NullString
			wafer    sql.NullString
			endTime  sql.NullTime
			fileName sql.NullString
		)
		if err := rows.Scan(&row.MetadataID, &row.DataID, &lot, &wafer, &endTime, &fileName); err != nil {
			return err
		}
		row.Lot = lot.String
		row.Wafer = wafer.String
		row.FileName = fileName.String
		if endTime.Valid {
			row.EndTime = endTime.Time
		}
		if !fn(row) {
			return rows.Close()
		}
	}
	return rows.Err()
}
