package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/snapfan/internal/clientstore"
	"github.com/codefionn/snapfan/internal/config"
	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/pidfile"
	"github.com/codefionn/snapfan/internal/pprof"
	"github.com/codefionn/snapfan/internal/streamserver"
	"golang.org/x/sync/errgroup"
)

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*s = append(*s, value)
	return nil
}

// options are the command line overrides; zero values keep the config file setting
type options struct {
	configPath   string
	port         int
	controlPort  int
	httpPort     int
	bufferMs     int
	streamReadMs int
	sampleFormat string
	streams      stringSlice
	logLevel     string
	logPath      string
	databasePath string
	pidFile      string
	version      bool
	profile      pprof.Config
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{httpPort: -1}

	fs := flag.NewFlagSet("snapfan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON config file")
	fs.IntVar(&opts.port, "port", 0, fmt.Sprintf("Audio client port (default %d)", consts.DefaultStreamPort))
	fs.IntVar(&opts.controlPort, "control-port", 0, fmt.Sprintf("JSON-RPC TCP control port (default %d)", consts.DefaultControlPort))
	fs.IntVar(&opts.httpPort, "http-port", -1, fmt.Sprintf("JSON-RPC HTTP/WebSocket port, 0 disables (default %d)", consts.DefaultHTTPPort))
	fs.IntVar(&opts.bufferMs, "buffer", 0, fmt.Sprintf("End-to-end buffer in ms (default %d)", consts.DefaultBufferMs))
	fs.IntVar(&opts.streamReadMs, "stream-read-ms", 0, fmt.Sprintf("Chunk duration in ms (default %d)", consts.DefaultStreamReadMs))
	fs.StringVar(&opts.sampleFormat, "sample-format", "", fmt.Sprintf("Default sample format rate:bits:channels (default %s)", consts.DefaultSampleFormat))
	fs.Var(&opts.streams, "stream", "Stream URI, may be repeated; the first one is the default stream")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	fs.StringVar(&opts.logPath, "log-path", "", "Log file path (default stderr)")
	fs.StringVar(&opts.databasePath, "db", "", "Client database path")
	fs.StringVar(&opts.pidFile, "pidfile", "", "PID file path")
	fs.BoolVar(&opts.version, "version", false, "Print the version and exit")
	fs.StringVar(&opts.profile.HTTPAddr, "pprof-addr", "", "Serve /debug/pprof on this address")
	fs.StringVar(&opts.profile.CPUProfile, "cpuprofile", "", "Write a CPU profile to this file")
	fs.StringVar(&opts.profile.HeapProfile, "memprofile", "", "Write a heap profile to this file on exit")
	fs.StringVar(&opts.profile.MutexProfile, "mutexprofile", "", "Write a mutex contention profile to this file on exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// apply writes the command line overrides into cfg
func (o *options) apply(cfg *config.Config) {
	if o.port > 0 {
		cfg.Port = o.port
	}
	if o.controlPort > 0 {
		cfg.ControlPort = o.controlPort
	}
	if o.httpPort >= 0 {
		cfg.HTTPPort = o.httpPort
	}
	if o.bufferMs > 0 {
		cfg.BufferMs = o.bufferMs
	}
	if o.streamReadMs > 0 {
		cfg.StreamReadMs = o.streamReadMs
	}
	if o.sampleFormat != "" {
		cfg.SampleFormat = o.sampleFormat
	}
	if len(o.streams) > 0 {
		cfg.Streams = append([]string(nil), o.streams...)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logPath != "" {
		cfg.LogPath = o.logPath
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.pidFile != "" {
		cfg.PidFile = o.pidFile
	}
}

// loadConfig reads the config file, then applies environment and flag overrides
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Allow environment variables to override config file values for logging.
	if envLevel := strings.TrimSpace(os.Getenv("SNAPFAN_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("SNAPFAN_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}

	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) (err error) {
	opts, err := parseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Printf("%s %s\n", consts.ServerName, consts.Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("%s %s starting", consts.ServerName, consts.Version)
	logger.Debug("Configuration loaded: port=%d, control_port=%d, http_port=%d, buffer_ms=%d, streams=%v",
		cfg.Port, cfg.ControlPort, cfg.HTTPPort, cfg.BufferMs, cfg.Streams)

	if cfg.PidFile != "" {
		pf := pidfile.New(cfg.PidFile)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				logger.Warn("Failed to remove pidfile: %v", err)
			}
		}()
	}

	if opts.profile.Enabled() {
		prof := pprof.New(opts.profile)
		if err := prof.Start(); err != nil {
			return fmt.Errorf("failed to start profiling: %w", err)
		}
		defer func() {
			if err := prof.Stop(); err != nil {
				logger.Warn("Failed to write profiles: %v", err)
			}
		}()
	}

	store, err := clientstore.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open client database: %w", err)
	}
	defer func() {
		if err := store.Save(); err != nil {
			logger.Error("Failed to save clients: %v", err)
		}
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close client database: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, streamserver.NewServer(streamserver.SettingsFromConfig(cfg), store), store, consts.Timeout60Seconds)
}

type saver interface {
	Save() error
}

// serve runs srv until ctx is cancelled or it fails to start. Client records are
// flushed every interval so last-seen times refreshed by time sync survive a crash.
func serve(ctx context.Context, srv *streamserver.Server, store saver, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		<-gctx.Done()
		logger.Info("Shutting down")
		srv.Stop()
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := store.Save(); err != nil {
					logger.Warn("Periodic client save failed: %v", err)
				}
			}
		}
	})

	return g.Wait()
}
