package server

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/config"
	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
	queuememory "github.com/JakeFAU/qa-scanner/internal/queue/memory"
	"github.com/JakeFAU/qa-scanner/internal/queue/pubsub"
	"github.com/JakeFAU/qa-scanner/internal/storage"
	"github.com/JakeFAU/qa-scanner/internal/storage/gcs"
	"github.com/JakeFAU/qa-scanner/internal/storage/local"
	memorystorage "github.com/JakeFAU/qa-scanner/internal/storage/memory"
	"github.com/JakeFAU/qa-scanner/internal/storage/mongodb"
	"github.com/JakeFAU/qa-scanner/internal/storage/postgres"
	"github.com/JakeFAU/qa-scanner/internal/storage/report"
)

// setupResults builds every configured result backend behind one fan-out store.
func setupResults(ctx context.Context, app *App) (qa.ResultStore, error) {
	var stores storage.Fanout
	for _, backend := range app.cfg.Storage.Results {
		var (
			store qa.ResultStore
			err   error
		)
		switch backend {
		case config.BackendMemory:
			store = memorystorage.NewResultStore()
		case config.BackendPostgres:
			store, err = setupPostgresResults(ctx, app)
		case config.BackendMongo:
			store, err = setupMongoResults(ctx, app)
		case config.BackendReport:
			var blobs qa.BlobStore
			blobs, err = setupBlob(ctx, app)
			if err == nil {
				store = report.New(blobs)
			}
		default:
			err = fmt.Errorf("unknown result backend %q", backend)
		}
		if err != nil {
			return nil, err
		}
		app.logger.Info("result backend enabled", zap.String("backend", backend))
		stores = append(stores, store)
	}
	if len(stores) == 0 {
		app.logger.Warn("no result backends configured, scan results are not persisted")
		return nil, nil
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return stores, nil
}

func setupBlob(ctx context.Context, app *App) (qa.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Blob {
	case config.BackendGCS:
		blobs, err := gcs.Dial(ctx, cfg.GCS, app.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs", func(context.Context) error { return blobs.Close() })
		app.logger.Info("using GCS blob store", zap.String("bucket", cfg.GCS.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := local.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local blob store", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	}
}

// postgresPool connects once and creates the schema; result and progress stores share it.
func postgresPool(ctx context.Context, app *App) (*pgxpool.Pool, error) {
	if app.pg != nil {
		return app.pg, nil
	}
	pool, err := postgres.Connect(ctx, app.cfg.Storage.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	app.onClose("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := postgres.EnsureSchema(ctx, pool, app.cfg.Storage.Postgres); err != nil {
		return nil, err
	}
	app.pg = pool
	return pool, nil
}

func setupPostgresResults(ctx context.Context, app *App) (qa.ResultStore, error) {
	pool, err := postgresPool(ctx, app)
	if err != nil {
		return nil, err
	}
	store, err := postgres.NewResultStore(pool, app.cfg.Storage.Postgres.ResultsTable, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres result store init failed: %w", err)
	}
	return store, nil
}

func setupMongoResults(ctx context.Context, app *App) (qa.ResultStore, error) {
	cfg := app.cfg.Storage.MongoDB
	client, coll, err := mongodb.Connect(ctx, cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("mongodb init failed: %w", err)
	}
	app.onClose("mongodb", client.Disconnect)
	if err := mongodb.EnsureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return mongodb.NewResultStore(coll, nil, cfg.WriteTimeout), nil
}

func setupBroker(ctx context.Context, app *App) (queue.Broker, error) {
	cfg := app.cfg.Queue
	if cfg.Broker != config.BackendPubSub {
		app.logger.Info("using in-memory job broker", zap.Int("capacity", cfg.Capacity))
		return queuememory.NewBroker(cfg.Capacity), nil
	}
	broker, client, err := pubsub.Dial(ctx, cfg.PubSub, app.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub broker init failed: %w", err)
	}
	app.onClose("pubsub", func(context.Context) error {
		if err := broker.Close(); err != nil {
			return err
		}
		return client.Close()
	})
	app.logger.Info("Pub/Sub broker initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicID),
		zap.String("subscription", cfg.PubSub.SubscriptionID),
	)
	return broker, nil
}

func setupProgress(ctx context.Context, app *App) (queue.ProgressStore, error) {
	if app.cfg.Queue.Progress != config.BackendPostgres {
		return queuememory.NewProgressStore(nil), nil
	}
	pool, err := postgresPool(ctx, app)
	if err != nil {
		return nil, err
	}
	store, err := postgres.NewProgressStore(pool, app.cfg.Storage.Postgres.ProgressTable, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres progress store init failed: %w", err)
	}
	return store, nil
}
