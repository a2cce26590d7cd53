package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator wraps golang-migrate with timeout-bounded Up/Down, grounded
// on the teacher pack's migration helper
// (JailtonJunior94-devkit-go/pkg/migration/migrator.go), trimmed to
// this project's single Postgres driver.
type Migrator struct {
	m       *migrate.Migrate
	timeout time.Duration
}

// NewMigrator opens a golang-migrate instance reading migrations from
// sourceURL (e.g. "file://internal/db/migrations") against databaseURL.
func NewMigrator(sourceURL, databaseURL string) (*Migrator, error) {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=migrate.new: %w", err)
	}
	return &Migrator{m: m, timeout: 2 * time.Minute}, nil
}

// Up applies all pending migrations. A no-op database returns nil, not
// an error.
func (mg *Migrator) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mg.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- mg.m.Up() }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("op=migrate.up: timed out after %s: %w", mg.timeout, ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			version, dirty, _ := mg.m.Version()
			slog.Error("migration up failed", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty), slog.Any("error", err))
			return fmt.Errorf("op=migrate.up: %w", err)
		}
		return nil
	}
}

// Down rolls back all migrations.
func (mg *Migrator) Down(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mg.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- mg.m.Down() }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("op=migrate.down: timed out after %s: %w", mg.timeout, ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("op=migrate.down: %w", err)
		}
		return nil
	}
}

// Close releases the underlying source and database handles.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
