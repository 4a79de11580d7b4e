// shadowbuf-sim exercises the shadow-buffer core against simulated
// collaborators: it maps buffers, drives transfer cycles through the block
// state machine, and reports metrics. Useful for smoke-testing and for
// watching the state machine under concurrent load.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	shadowbuf "github.com/gdsfs/go-shadowbuf"
	"github.com/gdsfs/go-shadowbuf/backend"
	"github.com/gdsfs/go-shadowbuf/internal/logging"
)

func main() {
	var (
		sizeStr    = flag.String("size", "256K", "Size of each shadow buffer (e.g., 64K, 1M)")
		buffers    = flag.Int("buffers", 4, "Number of concurrently mapped buffers")
		iterations = flag.Int("iterations", 10000, "Transfer cycles per buffer (0 = run until interrupted)")
		sparsePct  = flag.Int("sparse", 10, "Percent of read blocks left as holes")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	if size <= 0 || size > shadowbuf.MaxShadowSize {
		log.Fatalf("Size must be between 4K and 16M, got %s", *sizeStr)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	alloc := backend.NewSimAllocator(0)
	mgr, err := shadowbuf.New(shadowbuf.Params{
		Allocator: alloc,
		Sparse:    backend.NewSparsePool(nil),
	}, nil)
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		os.Exit(1)
	}

	logger.Info("starting simulation",
		"buffers", *buffers, "size", formatSize(size), "iterations", *iterations)

	var stop atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		stop.Store(true)
	}()

	var wg sync.WaitGroup
	for w := 0; w < *buffers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(mgr, worker, uint64(size), *iterations, *sparsePct, &stop, logger)
		}(w)
	}
	wg.Wait()

	snap := mgr.MetricsSnapshot()
	fmt.Printf("Buffers mapped:   %d\n", snap.BuffersMapped)
	fmt.Printf("Buffers freed:    %d (+%d from completion context)\n", snap.BuffersFreed, snap.BuffersFreedDMA)
	fmt.Printf("Bytes mapped:     %s\n", formatSize(int64(snap.MappedBytes)))
	fmt.Printf("Sparse reads:     %d (%d regions, %d blocks)\n",
		snap.SparseReads, snap.SparseReadRegions, snap.SparseReadBlocks)
	fmt.Printf("Live buffers:     %d\n", mgr.Buffers())
	fmt.Printf("Live units:       %d\n", alloc.Live())

	if mgr.Buffers() != 0 || alloc.Live() != 0 {
		logger.Error("leak detected", "buffers", mgr.Buffers(), "units", alloc.Live())
		os.Exit(1)
	}
}

// runWorker maps one buffer per iteration and drives a full transfer cycle
// through it: pin, queue, DMA handoff, completion, teardown.
func runWorker(mgr *shadowbuf.Manager, worker int, size uint64, iterations, sparsePct int,
	stop *atomic.Bool, logger *logging.Logger) {

	rng := rand.New(rand.NewSource(int64(worker) + 1))
	space := backend.NewSimSpace()
	vaddr := uint64(0x7f0000000000) + uint64(worker)<<32

	for iter := 0; iterations == 0 || iter < iterations; iter++ {
		if stop.Load() {
			return
		}

		g, err := mgr.CreateBuffer(space, vaddr, size)
		if err != nil {
			logger.Error("create failed", "worker", worker, "error", err)
			return
		}

		pinned, err := mgr.PinPages(space, vaddr, size)
		if err != nil {
			logger.Error("pin failed", "worker", worker, "error", err)
			mgr.Release(g)
			return
		}

		if err := transferCycle(mgr, g, vaddr, rng, sparsePct); err != nil {
			logger.Error("transfer failed", "worker", worker, "iter", iter, "error", err)
		}

		mgr.UnpinPages(pinned)
		space.RemoveRange(vaddr, size)
		mgr.Release(g)
	}
}

func transferCycle(mgr *shadowbuf.Manager, g *shadowbuf.Group, vaddr uint64,
	rng *rand.Rand, sparsePct int) error {

	read := rng.Intn(2) == 0
	if read {
		g.IO.Op = shadowbuf.OpRead
	} else {
		g.IO.Op = shadowbuf.OpWrite
	}
	g.IO.Vaddr = vaddr
	g.IO.CheckSparse = false
	g.IO.Ret = 0

	nrBlocks := 1 + rng.Intn(g.BlocksCount())
	if err := g.FillActiveBlocks(nrBlocks); err != nil {
		return err
	}

	// hand each unit's share of the active range to the "engine"; reads
	// sometimes skip blocks to simulate file holes
	for b := 0; b < nrBlocks; {
		if read && rng.Intn(100) < sparsePct {
			b++
			continue
		}
		unit := g.Unit(b / shadowbuf.BlocksPerUnit)
		off := (b % shadowbuf.BlocksPerUnit) * shadowbuf.BlockSize
		if err := g.MarkBlocksDMA(unit, off, shadowbuf.BlockSize); err != nil {
			return err
		}
		b++
	}

	g.IO.Length = int64(nrBlocks) * shadowbuf.BlockSize
	g.IO.Ret = g.IO.Length
	g.CheckAndSet(shadowbuf.StateDone, true, true)
	return nil
}

// parseSize parses a size string like "64K", "1M"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
