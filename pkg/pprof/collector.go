package pprof

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/heapstream/pkg/utils"
)

// Collector profiles the current process between Start and Stop.
type Collector struct {
	config *Config
	logger utils.Logger

	mu      sync.Mutex
	running bool
	cpuFile *os.File
	server  *http.Server
	served  chan struct{}
	files   []string
}

// NewCollector creates a new Collector.
func NewCollector(cfg *Config, logger utils.Logger) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = utils.GetGlobalLogger()
	}
	return &Collector{config: cfg, logger: logger.WithField("component", "self-profile")}, nil
}

// Start begins CPU profiling, enables block and mutex sampling, and starts
// the HTTP endpoint when configured.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("collector is already running")
	}

	if c.config.OutputDir != "" {
		if err := os.MkdirAll(c.config.OutputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if c.config.HasProfile(ProfileCPU) {
			f, err := os.Create(c.path(ProfileCPU))
			if err != nil {
				return fmt.Errorf("failed to create cpu profile: %w", err)
			}
			if err := pprof.StartCPUProfile(f); err != nil {
				f.Close()
				return fmt.Errorf("failed to start cpu profile: %w", err)
			}
			c.cpuFile = f
		}
	}
	if c.config.HasProfile(ProfileBlock) {
		runtime.SetBlockProfileRate(1)
	}
	if c.config.HasProfile(ProfileMutex) {
		runtime.SetMutexProfileFraction(1)
	}
	if c.config.Addr != "" {
		c.serve()
	}
	c.running = true
	return nil
}

func (c *Collector) serve() {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)

	c.server = &http.Server{Addr: c.config.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	c.served = make(chan struct{})
	go func() {
		defer close(c.served)
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("pprof HTTP server error: %v", err)
		}
	}()
	c.logger.Info("pprof endpoints at http://%s/debug/pprof/", c.config.Addr)
}

// Stop ends CPU profiling, writes a snapshot of every other configured
// profile, and shuts the HTTP endpoint down.
func (c *Collector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	var errs []error
	if c.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := c.cpuFile.Close(); err != nil {
			errs = append(errs, err)
		} else {
			c.files = append(c.files, c.cpuFile.Name())
		}
		c.cpuFile = nil
	}

	if c.config.OutputDir != "" {
		for _, pt := range c.config.Profiles {
			if pt == ProfileCPU {
				continue
			}
			if err := c.snapshot(pt); err != nil {
				errs = append(errs, err)
			}
		}
	}

	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)

	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
		<-c.served
		c.server = nil
	}
	return errors.Join(errs...)
}

func (c *Collector) snapshot(pt ProfileType) error {
	p := pprof.Lookup(string(pt))
	if p == nil {
		return fmt.Errorf("unknown runtime profile %s", pt)
	}
	if pt == ProfileHeap {
		runtime.GC()
	}
	f, err := os.Create(c.path(pt))
	if err != nil {
		return fmt.Errorf("failed to create %s profile: %w", pt, err)
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s profile: %w", pt, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	c.files = append(c.files, f.Name())
	return nil
}

func (c *Collector) path(pt ProfileType) string {
	return filepath.Join(c.config.OutputDir, string(pt)+".pprof")
}

// Files returns the profile files written so far.
func (c *Collector) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}
