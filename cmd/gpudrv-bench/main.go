// Command gpudrv-bench drives spec.md §8's benchmark-shaped workload
// against the in-process SoftDriver and reports latency/throughput
// through the same Observer/Metrics stack a real deployment would use.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/behrlich/gpudrv"
	"github.com/behrlich/gpudrv/internal/driver"
	"github.com/behrlich/gpudrv/internal/logging"
	"github.com/behrlich/gpudrv/internal/spirv"
)

func main() {
	var (
		iters     = flag.Int("iters", 10000, "number of launch+copy iterations to run")
		copyBytes = flag.Int("copy-bytes", 4096, "bytes per H2D/D2H copy per iteration")
		devices   = flag.Int("devices", 1, "number of devices to initialize")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = slog.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	registry := prometheus.NewRegistry()
	observer := gpudrv.NewPrometheusObserver(registry)

	backend := gpudrv.NewBackend()
	if err := backend.Initialize(*devices, &gpudrv.Options{
		NativeDriver: driver.NewSoftDriver(),
		Observer:     observer,
		Logger:       logger,
	}); err != nil {
		log.Fatalf("initialize: %v", err)
	}
	defer func() {
		if err := backend.Uninitialize(); err != nil {
			logger.Error(context.Background(), "uninitialize failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Info(context.Background(), "received shutdown signal, stopping early")
			close(done)
		case <-done:
		}
	}()

	mod, err := backend.RegisterModuleStr([]byte("fake-spirv"), "", []spirv.KernelSpec{
		{Name: "bench", Info: spirv.FuncInfo{Params: []spirv.ParamInfo{{Index: 0, Size: 8, IsPointer: true}}}},
	}, nil)
	if err != nil {
		log.Fatalf("register module: %v", err)
	}
	var hostStub int
	hostPtr := uintptr(unsafe.Pointer(&hostStub))
	if err := backend.RegisterFunctionAsKernel(mod, hostPtr, "bench"); err != nil {
		log.Fatalf("register kernel: %v", err)
	}

	ptr, err := backend.Allocate(uint64(*copyBytes), 8, driver.MemoryDevice)
	if err != nil {
		log.Fatalf("allocate: %v", err)
	}
	defer backend.Free(ptr)

	payload := make([]byte, *copyBytes)
	readback := make([]byte, *copyBytes)
	argBuf := make([]byte, 8)

	q, err := backend.GetActiveQueue()
	if err != nil {
		log.Fatalf("get active queue: %v", err)
	}

	fmt.Printf("running %d iterations, %d bytes per copy, %d device(s)\n", *iters, *copyBytes, *devices)
	start := time.Now()

loop:
	for i := 0; i < *iters; i++ {
		select {
		case <-done:
			break loop
		default:
		}

		if err := backend.MemCopyH2D(ptr, 0, payload); err != nil {
			log.Fatalf("iteration %d: H2D copy: %v", i, err)
		}

		if err := backend.ConfigureCall([3]uint32{1, 1, 1}, [3]uint32{64, 1, 1}, 0, q); err != nil {
			log.Fatalf("iteration %d: configure call: %v", i, err)
		}
		if err := backend.SetArg(0, argBuf); err != nil {
			log.Fatalf("iteration %d: set arg: %v", i, err)
		}
		ev, err := backend.Launch(hostPtr)
		if err != nil {
			log.Fatalf("iteration %d: launch: %v", i, err)
		}
		if err := backend.EventSynchronize(ev); err != nil {
			log.Fatalf("iteration %d: event sync: %v", i, err)
		}

		if err := backend.MemCopyD2H(readback, ptr, 0); err != nil {
			log.Fatalf("iteration %d: D2H copy: %v", i, err)
		}
	}

	elapsed := time.Since(start)
	snap := backend.Metrics().Snapshot()

	fmt.Printf("\ncompleted in %s\n", elapsed)
	fmt.Printf("launches: %d (errors: %d)\n", snap.LaunchOps, snap.LaunchErrors)
	fmt.Printf("copies: %d, %d bytes (errors: %d)\n", snap.CopyOps, snap.CopyBytes, snap.CopyErrors)
	fmt.Printf("avg latency: %.1f us, p50: %.1f us, p99: %.1f us\n",
		float64(snap.AvgLatencyNs)/1000, float64(snap.LatencyP50Ns)/1000, float64(snap.LatencyP99Ns)/1000)
	fmt.Printf("error rate: %.4f%%\n", snap.ErrorRate)
}
