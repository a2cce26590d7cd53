// Command migrate applies or rolls back the pipeline's schema,
// grounded on the devkit-go migrator pattern but trimmed to a
// two-subcommand CLI: up (default) and down.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/patchworkdata/catalog-pipeline/internal/config"
	"github.com/patchworkdata/catalog-pipeline/internal/db"
	"github.com/patchworkdata/catalog-pipeline/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	sourceURL := flag.String("source", "file://internal/db/migrations", "migration source URL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	migrator, err := db.NewMigrator(*sourceURL, cfg.DBURL)
	if err != nil {
		slog.Error("failed to open migrator", slog.Any("error", err))
		os.Exit(1)
	}
	defer migrator.Close()

	ctx := context.Background()
	switch *direction {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	default:
		slog.Error("unknown migration direction", slog.String("direction", *direction))
		os.Exit(1)
	}
	if err != nil {
		slog.Error("migration failed", slog.String("direction", *direction), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration complete", slog.String("direction", *direction))
}
