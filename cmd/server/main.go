// Command server starts the catalog pipeline: one HTTP process exposing
// every stage's tick/health/admin endpoint plus the background
// maintenance sweeper, grounded on the teacher's cmd/server/main.go
// wiring shape (config → logger → tracing → pool → repos → router →
// graceful shutdown).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patchworkdata/catalog-pipeline/internal/alert"
	"github.com/patchworkdata/catalog-pipeline/internal/breaker"
	"github.com/patchworkdata/catalog-pipeline/internal/config"
	"github.com/patchworkdata/catalog-pipeline/internal/db"
	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/genius"
	"github.com/patchworkdata/catalog-pipeline/internal/httpapi"
	"github.com/patchworkdata/catalog-pipeline/internal/httpclient"
	"github.com/patchworkdata/catalog-pipeline/internal/maintenance"
	"github.com/patchworkdata/catalog-pipeline/internal/observability"
	"github.com/patchworkdata/catalog-pipeline/internal/ratelimiter"
	"github.com/patchworkdata/catalog-pipeline/internal/spotify"
	"github.com/patchworkdata/catalog-pipeline/internal/stage/album"
	"github.com/patchworkdata/catalog-pipeline/internal/stage/artist"
	"github.com/patchworkdata/catalog-pipeline/internal/stage/producer"
	"github.com/patchworkdata/catalog-pipeline/internal/stage/social"
	"github.com/patchworkdata/catalog-pipeline/internal/stage/track"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
	"github.com/patchworkdata/catalog-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := tracing.Setup(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if opts, rerr := redis.ParseURL(cfg.RedisURL); rerr == nil {
		redisClient = redis.NewClient(opts)
	} else {
		slog.Warn("redis url invalid, rate limiter accelerator disabled", slog.Any("error", rerr))
	}

	queue := db.NewPGMQQueue(pool)
	metricsSink := db.NewMetricsSink(pool)
	traceStore := db.NewTraceStore(pool)
	tracing.SetStore(traceStore)

	breakerStore := db.NewBreakerStore(pool)
	breakers := breaker.NewRegistry(breakerStore)
	limiter := ratelimiter.New(pool, redisClient)
	notifier := alert.New(cfg.SlackWebhookURL)

	artists := db.NewArtistRepo(pool)
	albums := db.NewAlbumRepo(pool)
	tracks := db.NewTrackRepo(pool)
	producers := db.NewProducerRepo(pool)

	hc := httpclient.New(cfg.OutboundConcurrency, 15*time.Second)
	spotifyClient := spotify.New(hc, breakers, limiter, cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	var geniusClient *genius.Client
	if cfg.GeniusEnabled() {
		geniusClient = genius.New(hc, breakers, limiter, cfg.GeniusAccessToken)
	}

	enqueuer := worker.NewEnqueuer(queue, metricsSink)

	artistHandler := artist.New(spotifyClient, artists, enqueuer)
	albumHandler := album.New(spotifyClient, artists, albums, enqueuer)
	trackHandler := track.New(spotifyClient, artists, tracks, enqueuer)
	producerHandler := producer.New(geniusClient, producers, enqueuer)
	socialHandler := social.New(geniusClient, producers)

	artistWorker := worker.New(stageConfig(cfg, domain.StageArtist), queue, metricsSink, breakers, artistHandler.Process).WithNotifier(notifier)
	albumWorker := worker.New(stageConfig(cfg, domain.StageAlbum), queue, metricsSink, breakers, albumHandler.Process).WithNotifier(notifier)
	trackWorker := worker.New(stageConfig(cfg, domain.StageTrack), queue, metricsSink, breakers, trackHandler.Process).WithNotifier(notifier)
	producerWorker := worker.New(stageConfig(cfg, domain.StageProducer), queue, metricsSink, breakers, producerHandler.Process).WithNotifier(notifier)
	socialWorker := worker.New(stageConfig(cfg, domain.StageSocial), queue, metricsSink, breakers, socialHandler.Process).WithNotifier(notifier)

	stages := map[string]*httpapi.StageEndpoint{
		string(domain.StageArtist): {
			Name: domain.StageArtist.QueueName(), Queue: queue,
			Tick: artistWorker.RunOnce,
			Seed: func(ctx context.Context, body []byte) (string, error) {
				payload, derr := domain.DecodePayload[domain.ArtistPayload](body)
				if derr != nil {
					return "", derr
				}
				span := tracing.NewRoot("artist", "seed")
				err := enqueuer.Enqueue(ctx, "admin", span, domain.StageArtist, payload)
				span.End(ctx, err)
				if err != nil {
					return "", fmt.Errorf("op=seed.artist: %w", err)
				}
				return "seeded artist into queue", nil
			},
		},
		string(domain.StageAlbum):    {Name: domain.StageAlbum.QueueName(), Queue: queue, Tick: albumWorker.RunOnce},
		string(domain.StageTrack):    {Name: domain.StageTrack.QueueName(), Queue: queue, Tick: trackWorker.RunOnce},
		string(domain.StageProducer): {Name: domain.StageProducer.QueueName(), Queue: queue, Tick: producerWorker.RunOnce},
		string(domain.StageSocial):   {Name: domain.StageSocial.QueueName(), Queue: queue, Tick: socialWorker.RunOnce},
	}

	queueNames := make([]string, 0, len(stages))
	for _, s := range stages {
		queueNames = append(queueNames, s.Name)
	}
	sweeper := maintenance.NewSweeper(queue, metricsSink, queueNames, cfg.StalledAfter, cfg.MaintenanceInterval)
	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go sweeper.Run(maintCtx)

	handler := httpapi.BuildRouter(cfg, stages)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func stageConfig(cfg config.Config, stage domain.StageName) worker.Config {
	return worker.Config{
		Queue:                stage.QueueName(),
		VisibilityTimeoutSec: cfg.DefaultVisibilityTimeoutSec,
		BatchSize:            cfg.DefaultBatchSize,
		MaxRetries:           cfg.MaxRetries,
		PerMessageTimeout:    cfg.PerMessageTimeout(string(stage)),
	}
}
