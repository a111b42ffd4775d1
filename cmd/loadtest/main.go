// Command loadtest measures dispatch throughput: it pushes empty jobs
// into a scheduler at a target rate and reports how fast they clear.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fiberworks/jobs"
	"github.com/fiberworks/jobs/internal/logging"
)

var (
	targetRate     = flag.Int("rate", 100000, "Target dispatches per second")
	duration       = flag.Int("duration", 30, "Test duration in seconds")
	workers        = flag.Int("workers", jobs.GetLogicalCoreCount(), "Number of worker threads")
	fibers         = flag.Int("fibers", 256, "Number of fibers")
	maxJobs        = flag.Int("jobs", 4096, "Job pool size")
	reportInterval = flag.Int("interval", 5, "Report interval in seconds")
)

// Stats tracks load test statistics
type Stats struct {
	dispatched     uint64
	completed      uint64
	dispatchErrors uint64
	startTime      time.Time
}

func (s *Stats) Report() {
	elapsed := time.Since(s.startTime).Seconds()
	dispatched := atomic.LoadUint64(&s.dispatched)
	completed := atomic.LoadUint64(&s.completed)
	errors := atomic.LoadUint64(&s.dispatchErrors)

	fmt.Printf("\n=== Load Test Statistics ===\n")
	fmt.Printf("Duration: %.2f seconds\n", elapsed)
	fmt.Printf("Jobs Dispatched: %d (%.0f/sec)\n", dispatched, float64(dispatched)/elapsed)
	fmt.Printf("Jobs Completed: %d (%.0f/sec)\n", completed, float64(completed)/elapsed)
	fmt.Printf("Dispatch Errors: %d\n", errors)
	if dispatched > 0 {
		fmt.Printf("Completion Rate: %.2f%%\n", float64(completed)/float64(dispatched)*100)
	}
	fmt.Printf("============================\n\n")
}

func main() {
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	fmt.Printf("Starting load test...\n")
	fmt.Printf("Target Rate: %d dispatches/sec\n", *targetRate)
	fmt.Printf("Duration: %d seconds\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Fibers: %d\n", *fibers)
	fmt.Printf("Job Pool: %d\n\n", *maxJobs)

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	sched := jobs.NewScheduler()
	if err := sched.SetLogger(logger); err != nil {
		return err
	}
	if err := sched.SetMaxJobs(*maxJobs); err != nil {
		return err
	}
	if err := sched.AddThreadPool(*workers, jobs.PriorityAll); err != nil {
		return err
	}
	if err := sched.AddFiberPool(*fibers, 64*1024); err != nil {
		return err
	}
	if err := sched.Init(); err != nil {
		return err
	}
	defer sched.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*duration)*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stats := &Stats{startTime: time.Now()}

	reportTicker := time.NewTicker(time.Duration(*reportInterval) * time.Second)
	defer reportTicker.Stop()
	go func() {
		for {
			select {
			case <-reportTicker.C:
				stats.Report()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Pace dispatches with a token bucket so the generator, not the
	// scheduler, sets the arrival rate.
	limiter := rate.NewLimiter(rate.Limit(*targetRate), *targetRate/10+1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		job, err := sched.CreateJob()
		if err != nil {
			// Pool momentarily drained; the backlog has to clear first.
			atomic.AddUint64(&stats.dispatchErrors, 1)
			continue
		}
		if err := job.SetWork(func(jc *jobs.JobContext) {
			atomic.AddUint64(&stats.completed, 1)
		}); err != nil {
			job.Release()
			atomic.AddUint64(&stats.dispatchErrors, 1)
			continue
		}
		if err := job.Dispatch(); err != nil {
			job.Release()
			atomic.AddUint64(&stats.dispatchErrors, 1)
			continue
		}
		atomic.AddUint64(&stats.dispatched, 1)
		job.Release()
	}

	if err := sched.WaitUntilIdle(30 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not drain in time")
	}

	stats.Report()
	return nil
}
