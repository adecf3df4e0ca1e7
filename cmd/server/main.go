package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidewater/loom/internal/bus"
	"github.com/tidewater/loom/internal/config"
	"github.com/tidewater/loom/internal/httpd"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/pipeline"
	"github.com/tidewater/loom/internal/provider"
	"github.com/tidewater/loom/internal/resolve"
	"github.com/tidewater/loom/internal/sweep"
	"github.com/tidewater/loom/internal/thread"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func main() {
	if config.Core.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	sqldb, err := sql.Open("sqlite3", config.Core.DBURI)
	if err != nil {
		log.Panicf("opening db failed: %v", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.Core.DBMigrate {
		migrate(ctx, db)
	}

	events := bus.New()
	client := provider.NewHTTPClient(
		config.Core.ProviderBaseURL,
		config.Core.ProviderToken,
		config.Core.ProviderTimeout,
	)

	resolver := resolve.NewResolver(resolve.NewStoreIndex(db), resolve.Config{
		SubjectSimilarity: config.Resolver.SubjectSimilarity,
		RecipientOverlap:  config.Resolver.RecipientOverlap,
		SubjectLookback:   config.Resolver.SubjectLookback,
		ProximityLookback: config.Resolver.ProximityLookback,
	})
	aggregator := thread.NewAggregator(db, events, config.Resolver.ReopenResolved)

	pipe := pipeline.New(db, client, resolver, aggregator, pipeline.Config{
		Workers:      config.Pipeline.Workers,
		PollInterval: config.Pipeline.PollInterval,
		RetryDelays:  config.Pipeline.RetryDelays,
		Retention:    config.Pipeline.Retention,
	})
	go pipe.Run(ctx)

	sweeper := sweep.New(db, client, pipe, events, sweep.Config{
		Interval:        config.Sweep.Interval,
		RenewBefore:     config.Sweep.RenewBefore,
		InitialReach:    config.Sweep.InitialReach,
		NotificationURL: config.Core.WebhookEndpoint,
	})
	go sweeper.Run(ctx)

	// Downstream consumers hang off the event bus. The search indexer
	// is an external collaborator, here the feed is just logged.
	go logAttachments(ctx, events)

	server := httpd.NewServer(
		db, pipe, aggregator, client,
		config.Core.WebhookSecret, config.Core.WebhookEndpoint,
	)
	if err := server.Run(ctx, config.Core.HTTPBindAddr); err != nil {
		log.Panicf("failed serving http: %v", err)
	}
}

func migrate(ctx context.Context, db *bun.DB) {
	for _, model := range []any{
		&models.Thread{},
		&models.Message{},
		&models.Subscription{},
		&models.Notification{},
	} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			log.Panicf("could not create table: %v", err)
		}
	}
}

func logAttachments(ctx context.Context, events *bus.Bus) {
	attached, cancel := events.ThreadAttached.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-attached:
			if !ok {
				return
			}
			slog.Info(
				"thread attached",
				"thread", event.Thread.UID,
				"message", event.Message.ProviderID,
				"method", event.Resolution.Method,
				"confidence", event.Resolution.Confidence,
			)
		}
	}
}
