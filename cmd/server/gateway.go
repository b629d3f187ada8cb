package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cogtoolslab/cab-experiments/backend/internal/config"
	"github.com/cogtoolslab/cab-experiments/backend/internal/handler"
	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	sessionsvc "github.com/cogtoolslab/cab-experiments/backend/internal/service/session"
	"github.com/cogtoolslab/cab-experiments/backend/internal/service/storeclient"
	"github.com/cogtoolslab/cab-experiments/backend/internal/service/supervisor"
)

func newRootCmd() *cobra.Command {
	var (
		gamePort   int
		localStore bool
		appRoot    string
	)

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Session gateway for browser experiments",
		Long:         "Serves experiment assets and the realtime channel, and supervises the data store process.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cmd.Flags().Changed("gameport") {
				cfg.Gateway.GamePort = gamePort
			}
			if cmd.Flags().Changed("local_store") {
				cfg.Gateway.LocalStore = localStore
			}
			if cmd.Flags().Changed("app-root") {
				cfg.Gateway.AppRoot = appRoot
			}

			// Nothing is bound or spawned before the port is known to be valid.
			if err := config.ValidateGamePort(cfg.Gateway.GamePort); err != nil {
				logger.Error("refusing to start", zap.Error(err))
				return err
			}
			if !cmd.Flags().Changed("gameport") && os.Getenv("GAMEPORT") == "" {
				logger.Info("no gameport specified, using default; use --gameport to change", zap.Int("gameport", cfg.Gateway.GamePort))
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate server binary: %w", err)
			}
			return runGateway(cmd.Context(), cfg.Gateway, exe, logger)
		},
	}

	cmd.Flags().IntVar(&gamePort, "gameport", config.DefaultGamePort, fmt.Sprintf("public port, %d-%d", config.MinGamePort, config.MaxGamePort))
	cmd.Flags().BoolVar(&localStore, "local_store", false, "store data in a local SQLite file instead of MongoDB")
	cmd.Flags().StringVar(&appRoot, "app-root", "", "directory experiment assets are served from (default: working directory)")

	cmd.AddCommand(newStoreCmd())
	return cmd
}

func runGateway(ctx context.Context, cfg config.GatewayConfig, exe string, logger *zap.Logger) error {
	storePort, err := supervisor.AllocatePort(cfg.StorePortMin, cfg.StorePortMax)
	if err != nil {
		return err
	}
	if cfg.LocalStore {
		logger.Info("using local store", zap.Int("store_port", storePort))
	} else {
		logger.Info("using mongoDB store", zap.Int("store_port", storePort))
	}

	sup := supervisor.New(supervisor.Config{
		Port:         storePort,
		RestartDelay: cfg.StoreRestartDelay,
	}, storeCommand(exe, cfg.LocalStore, cfg.StoreDataDir), logger.Named("supervisor"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewGateway(reg)

	storeURL := "http://127.0.0.1:" + strconv.Itoa(storePort)
	sessions := sessionsvc.NewService(storeclient.New(storeURL, cfg.StoreRequestTimeout), logger.Named("gateway"), m, cfg.StoreRequestTimeout)

	router := handler.NewGatewayRouter(handler.GatewayDeps{
		Sessions:    sessions,
		AppRoot:     cfg.AppRoot,
		PrivateDirs: []string{cfg.StoreDataDir},
		MaxPayload:  cfg.MaxPayloadBytes,
		Registry:    reg,
		Metrics:     m,
		Logger:      logger.Named("gateway"),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	tlsCfg, err := config.LoadTLS(cfg.CertDir)
	if err != nil {
		logger.Warn("cannot find SSL certificates; falling back to http", zap.String("cert_dir", cfg.CertDir), zap.Error(err))
	} else {
		srv.TLSConfig = tlsCfg
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("gateway listening",
			zap.String("addr", srv.Addr),
			zap.Bool("tls", srv.TLSConfig != nil),
			zap.String("app_root", cfg.AppRoot),
		)
		if err := runServer(gctx, srv); err != nil {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	sessions.Wait()
	return err
}

// storeCommand re-executes this binary as the store process. The data
// directory is passed explicitly so the gateway and the store agree on the
// path the static handler must keep private.
func storeCommand(exe string, local bool, dataDir string) supervisor.CommandFunc {
	return func(port int) *exec.Cmd {
		args := []string{"store", "--port", strconv.Itoa(port)}
		if local {
			args = append(args, "--local")
			if dataDir != "" {
				args = append(args, "--data-dir", dataDir)
			}
		}
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}
