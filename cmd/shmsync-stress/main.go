// Command shmsync-stress drives every primitive from a pool of workers sharing
// one memory region and checks the results.
//
// With -file the region is a MAP_SHARED mapping of that file and the final state
// of every primitive stays in the file after the run. Without -file a heap arena
// is used.
//
// SIGINT or SIGTERM asserts the cancellation signal. Blocking calls then return
// early without completing, so an interrupted run skips result verification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/ahrav/go-shmsync/cancel"
	"github.com/ahrav/go-shmsync/memory"
	"github.com/ahrav/go-shmsync/spin"
)

type config struct {
	workers    int
	iterations int
	capacity   uint
	file       string
	size       int
	verbose    bool
}

func parseFlags() config {
	var cfg config
	flag.IntVar(&cfg.workers, "workers", max(2, runtime.NumCPU()), "number of concurrent workers (>= 2)")
	flag.IntVar(&cfg.iterations, "iterations", 1000, "operations per worker in each phase")
	flag.UintVar(&cfg.capacity, "capacity", 16, "bounded queue capacity")
	flag.StringVar(&cfg.file, "file", "", "back the region with a shared mapping of this file")
	flag.IntVar(&cfg.size, "size", 1<<20, "region size in bytes")
	flag.BoolVar(&cfg.verbose, "verbose", false, "enable debug logging")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("stress run interrupted")
			os.Exit(130)
		}
		logger.Error("stress run failed", "error", err)
		os.Exit(1)
	}
}

// region is the memory the run allocates its primitives from.
type region interface {
	memory.Space
	Alloc(size, align uint64) (memory.Addr, error)
}

func openRegion(cfg config) (region, func() error, error) {
	if cfg.file == "" {
		return memory.NewArena(cfg.size), func() error { return nil }, nil
	}
	m, err := memory.Map(cfg.file, cfg.size)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	if cfg.workers < 2 {
		return fmt.Errorf("need at least 2 workers, got %d", cfg.workers)
	}
	if cfg.iterations < 1 || cfg.capacity < 1 {
		return fmt.Errorf("iterations and capacity must be positive")
	}

	space, closeRegion, err := openRegion(cfg)
	if err != nil {
		return fmt.Errorf("failed to open region: %w", err)
	}
	defer closeRegion()

	pool, err := ants.NewPool(cfg.workers, ants.WithPanicHandler(func(p any) {
		logger.Error("worker panic", "recovered", p)
	}))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	h := &harness{
		cfg:    cfg,
		space:  space,
		pool:   pool,
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		opts: []spin.Option{
			spin.WithSignal(cancel.FromContext(ctx)),
			spin.WithLogger(logger),
		},
	}

	phases := []struct {
		name string
		fn   func() error
	}{
		{"ticket", h.ticketPhase},
		{"barrier", h.barrierPhase},
		{"queue", h.queuePhase},
		{"rwm", h.rwmPhase},
		{"lfqueue-init", h.lfqueueInitPhase},
	}
	for _, p := range phases {
		start := time.Now()
		if err := p.fn(); err != nil {
			return fmt.Errorf("%s phase: %w", p.name, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Info("phase passed", "phase", p.name, "workers", cfg.workers, "duration", time.Since(start))
	}
	return nil
}
