// Package store persists extraction runs for audit.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clinical-extractor/internal/config"
	"github.com/sells-group/clinical-extractor/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Tier      model.Tier `json:"tier,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f RunFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// Store defines the persistence interface for extraction runs.
type Store interface {
	// SaveRun inserts rec, assigning ID and CreatedAt when they are empty.
	SaveRun(ctx context.Context, rec *model.RunRecord) error
	// SaveRuns inserts many records at once.
	SaveRuns(ctx context.Context, recs []*model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "clinical-extractor.db"
		}
		st, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

// prepare fills the generated fields of rec.
func prepare(rec *model.RunRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
}
