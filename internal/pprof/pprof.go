package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/codefionn/snapfan/internal/logger"
	"github.com/julienschmidt/httprouter"
)

// Config selects which profiles are collected. Empty fields are disabled.
type Config struct {
	HTTPAddr     string // serve /debug/pprof on this address
	CPUProfile   string // CPU profile written for the whole process lifetime
	HeapProfile  string // heap snapshot written on Stop
	MutexProfile string // mutex contention written on Stop

	MutexProfileFraction int // sample 1/n contention events (default: 1)
}

// Enabled reports whether any profile is configured.
func (c Config) Enabled() bool {
	return c.HTTPAddr != "" || c.CPUProfile != "" || c.HeapProfile != "" || c.MutexProfile != ""
}

// Profiler owns the profile files and the optional debug HTTP server.
type Profiler struct {
	config   Config
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a profiler; nothing runs until Start.
func New(config Config) *Profiler {
	if config.MutexProfileFraction == 0 {
		config.MutexProfileFraction = 1
	}
	return &Profiler{config: config}
}

// Routes registers the pprof endpoints on router.
func Routes(router *httprouter.Router) {
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "block", "mutex", "threadcreate", "allocs"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
}

// Start begins CPU profiling and serves the debug endpoints if configured.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("profiler already started")
	}

	if p.config.CPUProfile != "" {
		f, err := create(p.config.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		p.cpuFile = f
	}

	if p.config.MutexProfile != "" {
		runtime.SetMutexProfileFraction(p.config.MutexProfileFraction)
	}

	if p.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", p.config.HTTPAddr)
		if err != nil {
			p.stopCPU()
			return fmt.Errorf("failed to bind pprof server: %w", err)
		}
		router := httprouter.New()
		Routes(router)
		p.listener = ln
		p.server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("pprof server error: %v", err)
			}
		}()
		logger.Info("pprof listening on %s", ln.Addr())
	}

	p.started = true
	return nil
}

// Addr returns the debug server address, or nil when it is not running.
func (p *Profiler) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop flushes the profiles and shuts the debug server down. Safe to call more than once.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	if err := p.stopCPU(); err != nil {
		errs = append(errs, err)
	}

	if p.config.HeapProfile != "" {
		runtime.GC()
		if err := writeProfile("heap", p.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if p.config.MutexProfile != "" {
		if err := writeProfile("mutex", p.config.MutexProfile); err != nil {
			errs = append(errs, err)
		}
		runtime.SetMutexProfileFraction(0)
	}

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown pprof server: %w", err))
		}
		p.server = nil
		p.listener = nil
	}

	return errors.Join(errs...)
}

func (p *Profiler) stopCPU() error {
	if p.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := p.cpuFile.Close()
	p.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func writeProfile(name, path string) error {
	prof := pprof.Lookup(name)
	if prof == nil {
		return fmt.Errorf("profile %q not found", name)
	}
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s profile: %w", name, err)
	}
	defer f.Close()
	if err := prof.WriteTo(f, 0); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	return nil
}
