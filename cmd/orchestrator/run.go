package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apiserver "github.com/testfleet/orchestrator/internal/api_server"
	"github.com/testfleet/orchestrator/internal/broadcaster"
	"github.com/testfleet/orchestrator/internal/config"
	"github.com/testfleet/orchestrator/internal/dispatcher"
	"github.com/testfleet/orchestrator/internal/events"
	"github.com/testfleet/orchestrator/internal/executor"
	"github.com/testfleet/orchestrator/internal/registry"
	"github.com/testfleet/orchestrator/internal/service"
	"github.com/testfleet/orchestrator/internal/store"
	"github.com/testfleet/orchestrator/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the test orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
		if err != nil {
			logLvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}

		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()

		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Starting test orchestrator")
		defer zap.S().Info("Test orchestrator stopped")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		st := store.NewStore(db)
		defer st.Close()

		if err := st.InitialMigration(); err != nil {
			zap.S().Fatalw("running initial migration", "error", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		reg := registry.New()
		bc := broadcaster.New(reg,
			time.Duration(cfg.Stream.ConnectionTimeoutSeconds)*time.Second,
			cfg.Stream.BufferSize,
		)
		defer func() { _ = bc.Close(context.Background()) }()

		var writer events.Writer = bc
		if logLvl.Level() == zapcore.DebugLevel {
			writer = events.NewMultiWriter(bc, &events.StdoutWriter{})
		}
		producer := events.NewEventProducer(writer)
		defer func() { _ = producer.Close() }()

		exec := executor.NewProcessExecutor(cfg.Jobs.RunnerCommand, cfg.Jobs.RunnerArgs)

		d := dispatcher.New(st, reg, producer, exec,
			cfg.Jobs.MaxConcurrent,
			time.Duration(cfg.Jobs.RetentionHours)*time.Hour,
		)
		if err := d.ReconcileOrphans(ctx); err != nil {
			zap.S().Fatalw("reconciling orphaned jobs", "error", err)
		}
		go d.Sweep(ctx, time.Duration(cfg.Jobs.SweepMinutes)*time.Minute)

		svc := service.NewJobService(st, reg, d)

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, svc, bc, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("running api server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalw("creating metrics listener", "error", err)
			}

			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Fatalw("running metrics server", "error", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
