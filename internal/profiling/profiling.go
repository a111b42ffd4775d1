// Package profiling serves pprof endpoints for the demo binaries.
package profiling

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/fiberworks/jobs/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	BlockProfile bool   `yaml:"block_profile"`
	MutexProfile bool   `yaml:"mutex_profile"`
}

// Profiler serves runtime profiles over HTTP.
type Profiler struct {
	config Config
	logger *logging.Logger
	server *http.Server
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if config.Address == "" {
		config.Address = "localhost:6060"
	}
	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
	}
}

// Start serves the pprof handlers when profiling is enabled.
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		return nil
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	p.server = &http.Server{
		Addr:              p.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		p.logger.Info().Str("address", p.config.Address).Msg("pprof server started")
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("pprof server failed")
		}
	}()
	return nil
}

// Stop shuts the pprof server down.
func (p *Profiler) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
