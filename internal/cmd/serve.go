package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openlsm/writepath/internal/api"
	"github.com/openlsm/writepath/internal/config"
	"github.com/openlsm/writepath/internal/coordinator"
	"github.com/openlsm/writepath/internal/metrics"
	"github.com/openlsm/writepath/internal/mutation"
	"github.com/openlsm/writepath/internal/ratelimit"
	"github.com/openlsm/writepath/internal/tree"
	"github.com/openlsm/writepath/internal/wal"
	"github.com/openlsm/writepath/internal/writebuffer"
)

var (
	serveConfigPath string
	serveAddr       string
	serveStores     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the write-buffer engine and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to the YAML config file")
	serveCmd.Flags().StringVarP(&serveAddr, "address", "a", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveStores, "stores", "default", "Comma-separated store names to open")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Default()
	if serveConfigPath != "" {
		if cfg, err = config.Load(serveConfigPath); err != nil {
			return err
		}
	}
	if serveAddr != "" {
		cfg.Admin.Addr = serveAddr
	}

	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance", instanceID))
	logger.Info("engine starting")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var journal wal.Journal = wal.Nop{}
	var manager *wal.Manager
	if cfg.Journal.Dir != "" {
		manager, err = wal.NewManager(cfg.Journal.Dir, wal.Config{
			MaxFileSize:    cfg.Journal.MaxFileSize,
			MaxFiles:       cfg.Journal.MaxFiles,
			RotationPeriod: cfg.Journal.RotationPeriod,
			SyncOnAppend:   cfg.Journal.SyncOnAppend,
		})
		if err != nil {
			return err
		}
		journal = manager
	}

	limiter := ratelimit.New(ratelimit.Config{
		Burst:    cfg.Throttle.Burst,
		Rate:     cfg.Throttle.Rate,
		MaxDelay: cfg.Throttle.MaxDelay,
	})

	persistent := tree.NewMemory(logger.Named("tree"))
	coord := coordinator.New(coordinator.Config{
		MaxStores:         cfg.Buffer.MaxStores,
		SetThresholdBytes: cfg.Buffer.SetThresholdBytes,
		SetShards:         cfg.Buffer.SetShards,
		IngestWorkers:     cfg.Buffer.IngestWorkers,
	}, persistent, limiter, journal, m, logger.Named("coordinator"))

	names := strings.Split(serveStores, ",")
	handles := make(map[string]*writebuffer.Handle, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h, err := writebuffer.Open(name, writebuffer.Config{}, coord,
			persistent, logger.Named("handle"))
		if err != nil {
			return err
		}
		handles[name] = h
	}

	if manager != nil {
		if err := replayJournal(manager, coord, handles, logger); err != nil {
			return err
		}
	}

	var tracer *api.Tracer
	if cfg.Tracing.JaegerEndpoint != "" {
		tracer, err = api.NewTracer("writepath", cfg.Tracing.JaegerEndpoint,
			cfg.Tracing.SampleRatio)
		if err != nil {
			return err
		}
	}

	srv := api.NewServer(coord, reg, logger.Named("api"), tracer)
	for name, h := range handles {
		srv.AttachStore(name, h)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Admin.Addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err = <-errCh:
		logger.Error("api server failed", zap.Error(err))
	}

	for name, h := range handles {
		if cerr := h.Close(); cerr != nil {
			logger.Error("store close failed",
				zap.String("store", name), zap.Error(cerr))
		}
	}
	if cerr := coord.Close(); cerr != nil {
		logger.Error("coordinator close failed", zap.Error(cerr))
	}
	if manager != nil {
		if cerr := manager.Close(); cerr != nil {
			logger.Error("journal close failed", zap.Error(cerr))
		}
	}
	if tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := tracer.Shutdown(ctx); cerr != nil {
			logger.Error("tracer shutdown failed", zap.Error(cerr))
		}
	}
	logger.Info("engine stopped")
	return err
}

// replayJournal re-applies journaled mutations that never reached the
// persistent tree, then advances the sequence counter past everything
// replayed.
func replayJournal(manager *wal.Manager, coord *coordinator.Coordinator,
	handles map[string]*writebuffer.Handle, logger *zap.Logger) error {

	var replayed int
	var maxSeq uint64
	err := manager.Replay(func(e *wal.Entry) error {
		h, ok := handles[e.Store]
		if !ok {
			return nil
		}
		if e.Seqno > maxSeq {
			maxSeq = e.Seqno
		}
		replayed++
		switch mutation.Kind(e.Kind) {
		case mutation.KindPut:
			return h.Put(e.Key, e.Value, e.Seqno)
		case mutation.KindDelete:
			return h.Delete(e.Key, e.Seqno)
		case mutation.KindPrefixDelete:
			return h.PrefixDelete(e.Key, e.Seqno)
		}
		return nil
	})
	if err != nil {
		return err
	}
	coord.AdvanceSeqno(maxSeq)
	logger.Info("journal replayed",
		zap.Int("mutations", replayed), zap.Uint64("max_seqno", maxSeq))
	return nil
}
