package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tapasco "github.com/behrlich/go-tapasco"
	"github.com/behrlich/go-tapasco/internal/logging"
)

func main() {
	var (
		devID      = flag.Uint("dev", 0, "device id to open")
		peName     = flag.String("pe", "", "PE name (VLNV) to acquire; if empty, uses the first PE type the status reports")
		iterations = flag.Int("n", 1000, "number of jobs to submit")
		arg        = flag.Uint64("arg", 1000, "Scalar64 argument passed to each job")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := tapasco.NewMetrics()
	opts := tapasco.DefaultOpenOptions()
	opts.Observer = tapasco.NewMetricsObserver(metrics)

	d, err := tapasco.OpenDevice(uint32(*devID), opts)
	if err != nil {
		log.Fatalf("OpenDevice(%d): %v", *devID, err)
	}
	defer d.Close()

	if *peName == "" && len(d.Status().PEs) > 0 {
		*peName = d.Status().PEs[0].Name
	}
	peID, ok := d.GetPEID(*peName)
	if !ok {
		log.Fatalf("no PE named %q on device %d", *peName, *devID)
	}

	logger.Info("starting benchmark", "device", *devID, "pe", *peName, "pe_id", peID, "iterations", *iterations)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		close(stop)
	}()

	start := time.Now()
	completed := 0
loop:
	for i := 0; i < *iterations; i++ {
		select {
		case <-stop:
			logger.Info("received shutdown signal, stopping early")
			break loop
		default:
		}

		job, err := d.AcquirePE(peID)
		if err != nil {
			logger.Error("AcquirePE failed", "iteration", i, "error", err)
			continue
		}
		if _, err := job.Start([]tapasco.Arg{tapasco.ArgScalar64(*arg)}); err != nil {
			logger.Error("Start failed", "iteration", i, "error", err)
			continue
		}
		if _, _, err := job.Release(true, false); err != nil {
			logger.Error("Release failed", "iteration", i, "error", err)
			continue
		}
		completed++
	}
	elapsed := time.Since(start)

	snap := metrics.Snapshot()
	fmt.Printf("completed %d/%d jobs in %s\n", completed, *iterations, elapsed)
	fmt.Printf("jobs/sec: %.1f\n", snap.JobsPerSecond)
	fmt.Printf("wait p50/p99/p999 (ns): %d/%d/%d\n", snap.WaitP50Ns, snap.WaitP99Ns, snap.WaitP999Ns)
	fmt.Printf("failures: %d\n", snap.JobsFailed)
}
