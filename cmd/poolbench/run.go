package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flowgrid/blockpool/internal/bytesize"
	"github.com/flowgrid/blockpool/internal/logger"
	"github.com/flowgrid/blockpool/internal/schedule"
	"github.com/flowgrid/blockpool/pkg/blockpool"
	"github.com/flowgrid/blockpool/pkg/config"
	"github.com/flowgrid/blockpool/pkg/mem"
	"github.com/flowgrid/blockpool/pkg/metrics"
	"github.com/flowgrid/blockpool/pkg/store/block"
)

type runOptions struct {
	blocks    int
	blockSize string
	rounds    int
	seed      int64
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an allocate/pin/unpin workload against the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.blocks, "blocks", 64, "blocks per worker")
	cmd.Flags().StringVar(&opts.blockSize, "block-size", "1Mi", "size of each block")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 10, "pin/unpin rounds per worker")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "workload RNG seed")
	return cmd
}

func runBench(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	blockSize, err := bytesize.Parse(opts.blockSize)
	if err != nil {
		return fmt.Errorf("parse block size: %w", err)
	}

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if hc, ok := store.(block.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("store health check: %w", err)
		}
	}

	root := mem.New(nil, "host")

	var poolMetrics *metrics.PoolMetrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		poolMetrics = metrics.NewPoolMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	poolCfg := blockpool.Config{
		SoftRAMLimit: cfg.Pool.SoftLimit.Uint64(),
		HardRAMLimit: cfg.Pool.HardLimit.Uint64(),
		Workers:      cfg.Pool.Workers,
		Store:        store,
		Parent:       root,
	}
	if poolMetrics != nil {
		poolCfg.Metrics = poolMetrics
	}
	pool, err := blockpool.New(poolCfg)
	if err != nil {
		return err
	}

	var sched *schedule.Scheduler
	if poolMetrics != nil {
		sched = schedule.New()
		sched.Add(cfg.Metrics.SampleInterval, metrics.NewSampler(pool, poolMetrics))
		defer sched.Close()
	}

	logger.Info("starting workload",
		"workers", cfg.Pool.Workers,
		"blocks", opts.blocks,
		"block_size", blockSize,
		"rounds", opts.rounds,
		"soft_limit", cfg.Pool.SoftLimit,
		"hard_limit", cfg.Pool.HardLimit,
		"store", cfg.Store.Type)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, cfg.Pool.Workers)
	for w := 0; w < cfg.Pool.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			errs[worker] = runWorker(pool, worker, opts, blockSize.Uint64())
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	stats := pool.Stats()
	logger.Info("workload finished", "elapsed", elapsed, "stats", stats.String())
	fmt.Printf("elapsed:     %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("evictions:   %d\n", stats.Evictions)
	fmt.Printf("swap-ins:    %d\n", stats.SwapIns)
	fmt.Printf("swapped out: %d blocks (%s)\n", stats.NumSwappedBlocks, bytesize.ByteSize(stats.SwappedBytes))
	fmt.Printf("peak pins:   %d (%s)\n", stats.MaxPins, bytesize.ByteSize(stats.MaxPinnedBytes))
	fmt.Printf("ram in use:  %s\n", bytesize.ByteSize(stats.TotalRAMUse))
	fmt.Printf("host peak:   %s\n", bytesize.ByteSize(uint64(root.Peak())))

	return pool.Close()
}

// runWorker allocates its blocks, then repeatedly unpins and re-pins random
// ones, verifying the stamp written at allocation survives the round trips.
func runWorker(pool *blockpool.BlockPool, worker int, opts runOptions, blockSize uint64) error {
	rng := rand.New(rand.NewSource(opts.seed + int64(worker)))

	handles := make([]*blockpool.Block, 0, opts.blocks)
	for i := 0; i < opts.blocks; i++ {
		pb, err := pool.AllocateBlock(blockSize, worker)
		if err != nil {
			return fmt.Errorf("worker %d: %w", worker, err)
		}
		stamp(pb.Data(), worker, i)
		handles = append(handles, pb.Unpin())
	}

	for round := 0; round < opts.rounds; round++ {
		i := rng.Intn(len(handles))
		pb, err := pool.Pin(handles[i], worker).Wait()
		if err != nil {
			return fmt.Errorf("worker %d pin block %d: %w", worker, i, err)
		}
		if got := unstamp(pb.Data()); got != uint64(worker)<<32|uint64(i) {
			pb.Release()
			return fmt.Errorf("worker %d block %d: stamp mismatch %x", worker, i, got)
		}
		pb.Release()
	}

	for _, h := range handles {
		h.Release()
	}
	return nil
}

func stamp(data []byte, worker, i int) {
	binary.BigEndian.PutUint64(data, uint64(worker)<<32|uint64(i))
}

func unstamp(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}
