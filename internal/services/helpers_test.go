package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ejkorg/sender-sub001/internal/destination"
	"github.com/ejkorg/sender-sub001/internal/domain"
	"github.com/ejkorg/sender-sub001/internal/extdb"
	"github.com/ejkorg/sender-sub001/internal/repo"
)

var (
	alice = domain.Actor{Username: "alice"}
	bob   = domain.Actor{Username: "bob"}
	admin = domain.Actor{Username: "root", Admin: true}
)

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("svc_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func candidates(n int) []domain.PayloadCandidate {
	out := make([]domain.PayloadCandidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.PayloadCandidate{
			MetadataID: fmt.Sprintf("m%03d", i),
			DataID:     fmt.Sprintf("d%03d", i),
		})
	}
	return out
}

// newSessionFor stages n candidates and materializes them into a session.
func newSessionFor(t *testing.T, db *gorm.DB, actor domain.Actor, site, env string, senderID, n int) *domain.LoadSession {
	t.Helper()
	stageSvc := &StageService{DB: db}
	if _, err := stageSvc.Stage(context.Background(), actor, site, senderID, candidates(n), false); err != nil {
		t.Fatalf("stage candidates: %v", err)
	}
	sessionSvc := &SessionService{DB: db}
	session, err := sessionSvc.Create(context.Background(), actor, site, env, senderID, "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

// newDestRegistry builds a registry with one sqlite tenant and bootstraps the
// remote queue table in it.
func newDestRegistry(t *testing.T, key string) *extdb.Registry {
	t.Helper()
	r := extdb.NewRegistry(
		extdb.NewConnConfig(map[string]extdb.ConnSpec{
			key: {Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "dest.db")},
		}),
		extdb.RegistryOptions{
			Registerer: prometheus.NewRegistry(),
			Logger:     zerolog.Nop(),
		},
	)
	t.Cleanup(r.Close)
	db, _, err := r.DB(key, "")
	if err != nil {
		t.Fatalf("destination db: %v", err)
	}
	if err := destination.Bootstrap(context.Background(), db, ""); err != nil {
		t.Fatalf("bootstrap destination: %v", err)
	}
	return r
}
