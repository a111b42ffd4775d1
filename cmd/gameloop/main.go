// Command gameloop drives the scheduler with a frame-based workload: each
// frame fans out a batch of update jobs, fences on their completion
// counter, then runs a render job that depends on a transform job. It is
// the operational showcase for the module: config file, structured
// logging, Prometheus exposition, tracing spans per frame and graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiberworks/jobs"
	"github.com/fiberworks/jobs/internal/config"
	"github.com/fiberworks/jobs/internal/logging"
	"github.com/fiberworks/jobs/internal/profiling"
	"github.com/fiberworks/jobs/internal/shutdown"
	"github.com/fiberworks/jobs/internal/tracing"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	entities   = flag.Int("entities", 256, "Entities updated per frame")
	frameRate  = flag.Int("fps", 60, "Target frames per second")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info().Str("version", version).Msg("starting game loop demo")

	sched, err := buildScheduler(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	mgr := shutdown.New(shutdown.Config{Timeout: 10 * time.Second, Logger: logger})
	mgr.Register("scheduler", func(ctx context.Context) error {
		sched.Shutdown()
		return nil
	})

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metricsMux(sched, cfg.Metrics.Path),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("metrics server started")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		mgr.Register("metrics", server.Shutdown)
	}

	if cfg.Profiling != nil && cfg.Profiling.Enabled {
		prof := profiling.New(*cfg.Profiling, logger)
		if err := prof.Start(); err != nil {
			return fmt.Errorf("failed to start profiler: %w", err)
		}
		mgr.Register("profiling", prof.Stop)
	}

	var tracer *tracing.Provider
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		tracer, err = tracing.NewProvider(context.Background(), tracing.Config{
			Enabled:    true,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		mgr.Register("tracing", tracer.Shutdown)
	} else {
		tracer, _ = tracing.NewProvider(context.Background(), tracing.Config{})
	}

	// The limits are baked in at init; a changed file only matters after
	// a restart, so just say so.
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(*configFile); err == nil {
			go func() {
				for {
					select {
					case event, ok := <-watcher.Events:
						if !ok {
							return
						}
						if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
							logger.Warn().Str("file", event.Name).
								Msg("configuration changed on disk; scheduler limits are fixed at init, restart to apply")
						}
					case <-mgr.Done():
						watcher.Close()
						return
					}
				}
			}()
		}
	}

	var stop atomic.Bool
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := gameLoop(sched, tracer, logger, &stop); err != nil {
			logger.Error().Err(err).Msg("game loop failed")
		}
	}()
	mgr.Register("gameloop", func(ctx context.Context) error {
		stop.Store(true)
		select {
		case <-loopDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	mgr.WaitForSignal()
	return nil
}

func buildScheduler(cfg *config.Config, logger *logging.Logger) (*jobs.Scheduler, error) {
	sched := jobs.NewScheduler()
	if err := sched.SetLogger(logger); err != nil {
		return nil, err
	}
	if err := sched.SetMaxJobs(cfg.Scheduler.MaxJobs); err != nil {
		return nil, err
	}
	if err := sched.SetMaxDependencies(cfg.Scheduler.MaxDependencies); err != nil {
		return nil, err
	}
	if err := sched.SetMaxCounters(cfg.Scheduler.MaxCounters); err != nil {
		return nil, err
	}
	if err := sched.SetMaxCallbacks(cfg.Scheduler.MaxCallbacks); err != nil {
		return nil, err
	}
	if err := sched.SetMaxProfileScopes(cfg.Scheduler.MaxProfileScopes); err != nil {
		return nil, err
	}

	// Surface the scheduler's internal profile scopes as trace-level log
	// events; attach a real profiler here if you have one.
	scopes := logger.WithComponent("profile")
	if err := sched.SetProfileFunctions(jobs.ProfileFunctions{
		EnterScope: func(scopeType jobs.ProfileScopeType, tag string) {
			scopes.Trace().Int("type", int(scopeType)).Str("tag", tag).Msg("enter scope")
		},
		LeaveScope: func() {
			scopes.Trace().Msg("leave scope")
		},
	}); err != nil {
		return nil, err
	}

	for _, tp := range cfg.Scheduler.ThreadPools {
		mask, err := jobs.ParsePriorityMask(tp.Priorities)
		if err != nil {
			return nil, fmt.Errorf("invalid thread pool priorities %v", tp.Priorities)
		}
		if err := sched.AddThreadPool(tp.Threads, mask); err != nil {
			return nil, err
		}
	}
	for _, fp := range cfg.Scheduler.FiberPools {
		if err := sched.AddFiberPool(fp.Count, fp.StackSize); err != nil {
			return nil, err
		}
	}

	if err := sched.Init(); err != nil {
		return nil, err
	}
	return sched, nil
}

func metricsMux(sched *jobs.Scheduler, path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(sched.MetricsRegistry(), promhttp.HandlerOpts{}))
	return mux
}

// gameLoop runs frames until stop is set. Every frame: a fan-out of
// update jobs fenced by a completion counter, then a transform -> render
// chain expressed through a dependency edge.
func gameLoop(sched *jobs.Scheduler, tracer *tracing.Provider, logger *logging.Logger, stop *atomic.Bool) error {
	frameBudget := time.Second / time.Duration(*frameRate)
	var frame uint64

	fence, err := sched.CreateCounter()
	if err != nil {
		return err
	}
	defer fence.Release()

	for !stop.Load() {
		frameStart := time.Now()
		frame++

		ctx, frameSpan := tracing.TraceFrame(context.Background(), tracer.Tracer(), frame)

		// Update phase: one job per entity, all fenced.
		_, updateSpan := tracing.TracePhase(ctx, tracer.Tracer(), "update", *entities)
		if err := dispatchUpdates(sched, fence); err != nil {
			updateSpan.End()
			frameSpan.End()
			return err
		}
		if err := fence.WaitFor(nil, uint64(*entities), jobs.Infinite); err != nil {
			updateSpan.End()
			frameSpan.End()
			return err
		}
		if err := fence.Set(0); err != nil {
			return err
		}
		updateSpan.End()

		// Transform feeds render through a dependency edge.
		_, renderSpan := tracing.TracePhase(ctx, tracer.Tracer(), "render", 2)
		if err := dispatchRenderChain(sched); err != nil {
			renderSpan.End()
			frameSpan.End()
			return err
		}
		if err := sched.WaitUntilIdle(jobs.Infinite); err != nil {
			renderSpan.End()
			frameSpan.End()
			return err
		}
		renderSpan.End()
		frameSpan.End()

		if frame%uint64(*frameRate) == 0 {
			logger.Info().
				Uint64("frame", frame).
				Dur("frame_time", time.Since(frameStart)).
				Msg("frame complete")
		}

		if sleep := frameBudget - time.Since(frameStart); sleep > 0 {
			time.Sleep(sleep)
		}
	}
	return sched.WaitUntilIdle(jobs.Infinite)
}

func dispatchUpdates(sched *jobs.Scheduler, fence jobs.CounterHandle) error {
	for i := 0; i < *entities; i++ {
		job, err := sched.CreateJob()
		if err != nil {
			return err
		}
		entity := i
		if err := job.SetTag(fmt.Sprintf("update-%d", entity)); err != nil {
			return err
		}
		if err := job.SetWork(func(jc *jobs.JobContext) {
			simulateEntity(entity)
		}); err != nil {
			return err
		}
		if err := job.SetCompletionCounter(fence); err != nil {
			return err
		}
		if err := job.SetPriority(jobs.PriorityHigh); err != nil {
			return err
		}
		if err := job.Dispatch(); err != nil {
			return err
		}
		job.Release()
	}
	return nil
}

func dispatchRenderChain(sched *jobs.Scheduler) error {
	transform, err := sched.CreateJob()
	if err != nil {
		return err
	}
	defer transform.Release()
	render, err := sched.CreateJob()
	if err != nil {
		return err
	}
	defer render.Release()

	if err := transform.SetTag("transform"); err != nil {
		return err
	}
	if err := transform.SetWork(func(jc *jobs.JobContext) {
		busyWork(2048)
	}); err != nil {
		return err
	}
	if err := render.SetTag("render"); err != nil {
		return err
	}
	if err := render.SetWork(func(jc *jobs.JobContext) {
		busyWork(4096)
	}); err != nil {
		return err
	}
	if err := render.SetPriority(jobs.PriorityCritical); err != nil {
		return err
	}
	if err := render.AddPredecessor(transform); err != nil {
		return err
	}
	if err := transform.Dispatch(); err != nil {
		return err
	}
	return render.Dispatch()
}

func simulateEntity(entity int) {
	busyWork(512 + entity%64)
}

var busySink uint64

func busyWork(iterations int) {
	var acc uint64
	for i := 0; i < iterations; i++ {
		acc += uint64(i) * 2654435761
	}
	atomic.AddUint64(&busySink, acc)
}
