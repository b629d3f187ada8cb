package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/config"
	"github.com/cogtoolslab/cab-experiments/backend/internal/handler"
	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/record"
	"github.com/cogtoolslab/cab-experiments/backend/internal/service/storage"
)

func newStoreCmd() *cobra.Command {
	var (
		port    int
		local   bool
		dataDir string
	)

	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Run the data store process",
		Long:         "Serves /db/insert and /db/getstims on the loopback interface. Normally started by the gateway.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cmd.Flags().Changed("port") {
				cfg.Store.Port = port
			}
			if cmd.Flags().Changed("local") {
				cfg.Store.Local = local
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Store.DataDir = dataDir
			}
			return runStore(cmd.Context(), cfg.Store, logger.Named("store"))
		},
	}

	cmd.Flags().IntVar(&port, "port", 8012, "loopback port to listen on")
	cmd.Flags().BoolVar(&local, "local", false, "use a local SQLite file instead of MongoDB")
	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir(), "directory for the local SQLite file (env STORE_DATA_DIR)")
	return cmd
}

func runStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) error {
	store, backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store == nil {
		// cancelled while waiting for the database
		return nil
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	router := handler.NewStoreRouter(handler.StoreDeps{
		Store:        store,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Registry:     reg,
		Metrics:      metrics.NewStore(reg, backend),
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("running", zap.String("url", "http://"+cfg.Addr()), zap.String("backend", backend))
	return runServer(ctx, srv)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (record.Store, string, error) {
	if cfg.Local {
		logger.Warn("LOCAL STORAGE IS BEING USED. THIS IS NOT RECOMMENDED FOR PRODUCTION. YOU MIGHT LOSE DATA. USE A DATABASE INSTEAD.")
		store, err := storage.NewSQLiteStore(filepath.Join(cfg.DataDir, "store.db"), logger)
		if err != nil {
			return nil, "", err
		}
		return store, "sqlite", nil
	}

	if !cfg.Mongo.ConfigFileFound {
		logger.Warn("no credential config file found, using defaults and environment", zap.String("path", cfg.Mongo.ConfigFile))
	}
	logger.Info("connecting to mongodb", zap.String("uri", cfg.Mongo.Redacted()))

	store := storage.NewMongoStore(cfg.Mongo.ConnectionURI(), logger)
	if err := store.Connect(ctx, cfg.RetryDelay); err != nil {
		if ctx.Err() != nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	return store, "mongodb", nil
}
