package cmd

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openlsm/writepath/internal/coordinator"
	"github.com/openlsm/writepath/internal/ratelimit"
	"github.com/openlsm/writepath/internal/tree"
	"github.com/openlsm/writepath/internal/writebuffer"
)

var (
	benchWriters   int
	benchOps       int
	benchValueSize int
	benchThreshold int64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run an in-process write benchmark",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchWriters, "writers", "w", 8, "Concurrent writer goroutines")
	benchCmd.Flags().IntVarP(&benchOps, "ops", "n", 100000, "Mutations per writer")
	benchCmd.Flags().IntVar(&benchValueSize, "value-size", 128, "Value size in bytes")
	benchCmd.Flags().Int64Var(&benchThreshold, "threshold", 8<<20, "Mutation set rotation threshold in bytes")
}

func runBench(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runID := uuid.NewString()
	logger.Info("benchmark starting",
		zap.String("run", runID),
		zap.Int("writers", benchWriters),
		zap.Int("ops", benchOps),
		zap.Int("value_size", benchValueSize))

	limiter := ratelimit.New(ratelimit.Config{Burst: 1 << 32, Rate: 1 << 32})
	persistent := tree.NewMemory(zap.NewNop())
	coord := coordinator.New(coordinator.Config{
		SetThresholdBytes: benchThreshold,
	}, persistent, limiter, nil, nil, logger.Named("coordinator"))

	h, err := writebuffer.Open("bench-"+runID, writebuffer.Config{}, coord,
		persistent, logger.Named("handle"))
	if err != nil {
		return err
	}

	value := make([]byte, benchValueSize)
	rand.Read(value)

	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, benchWriters)
	for w := 0; w < benchWriters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < benchOps; i++ {
				key := []byte(fmt.Sprintf("bench/%d/%d", w, i))
				if err := h.Put(key, value, h.NextSeqno()); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
	}

	writeDur := time.Since(start)
	if err := h.Close(); err != nil {
		return err
	}
	if err := coord.Close(); err != nil {
		return err
	}
	total := benchWriters * benchOps
	syncDur := time.Since(start) - writeDur

	logger.Info("benchmark finished",
		zap.String("run", runID),
		zap.Int("mutations", total),
		zap.Duration("write_time", writeDur),
		zap.Duration("drain_time", syncDur),
		zap.Float64("mutations_per_sec", float64(total)/writeDur.Seconds()),
		zap.Int64("ingested_mutations", persistent.Mutations()))
	return nil
}
