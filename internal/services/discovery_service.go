// Package services – DiscoveryService
//
// Candidate discovery reads the tenant metadata store through the pool
// registry and returns rows eligible for staging. It is a read-only preview:
// nothing is written to the ledger until the caller stages the result.

package services

import (
	"context"

	"github.com/ejkorg/sender-sub001/internal/discovery"
	"github.com/ejkorg/sender-sub001/internal/extdb"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxDiscoveryRows caps one preview; metadata tables run to millions of rows.
const maxDiscoveryRows = 500

// DiscoveryService previews stageable candidates from tenant metadata stores.
type DiscoveryService struct {
	Registry *extdb.Registry

	// Table overrides the metadata table name; blank means the source
	// default.
	Table string
}

// Preview queries the tenant metadata store selected by the criteria's site
// and environment and returns up to limit candidate rows in delivery order.
func (s *DiscoveryService) Preview(ctx context.Context, c discovery.Criteria, limit int) ([]discovery.CandidateRow, error) {
	tr := otel.Tracer("services/DiscoveryService")
	ctx, span := tr.Start(ctx, "Preview",
		trace.WithAttributes(attribute.String("site", c.Site)),
	)
	defer span.End()

	db, _, err := s.Registry.DB(c.Site, c.Environment)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxDiscoveryRows {
		limit = maxDiscoveryRows
	}
	src := &discovery.SQLSource{DB: db, Table: s.Table}
	return src.FetchAll(ctx, c, limit)
}
