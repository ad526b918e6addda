// ============================================================================
// Attendance Tracker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, YAML config loading and service wiring
//
// Command Structure:
//   attendanced                    # Root command
//   ├── run                        # Start the tracker service
//   ├── start  --target            # Start tracking (remote, gRPC)
//   ├── stop                       # Stop tracking and export (remote, gRPC)
//   ├── status                     # Show config and tracker state
//   ├── capture --target           # One-shot capture (local or remote)
//   ├── probe  --target            # Is the target in a meeting?
//   ├── prefs                      # Show or change stored preferences
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file, set the log level
//   2. Connect to Chrome over DevTools
//   3. Build extractor -> capturer -> tracker -> control service
//   4. Serve HTTP (chi) and gRPC, plus /metrics if enabled
//   5. On SIGINT/SIGTERM stop tracking (exporting the active session) and
//      shut the servers down
//
// Examples:
//   ./attendanced run -c configs/default.yaml
//   ./attendanced start --target 8C1A0D...   --require-camera
//   ./attendanced stop
//   ./attendanced capture --target 8C1A0D... --format json
//   ./attendanced prefs --require-camera=true
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/metrics"
	"github.com/ChuLiYu/attendance-tracker/internal/prefs"
	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/internal/roster/zoomweb"
	"github.com/ChuLiYu/attendance-tracker/internal/server"
	"github.com/ChuLiYu/attendance-tracker/internal/tracker"
)

// Config represents the complete service configuration
// Maps config file fields through YAML tags
type Config struct {
	Tracking struct {
		Interval       time.Duration `yaml:"interval"`
		CaptureTimeout time.Duration `yaml:"capture_timeout"`
		Settle         time.Duration `yaml:"settle"`
		ExportFilename string        `yaml:"export_filename"`
	} `yaml:"tracking"`

	Extraction struct {
		OpenSettle   time.Duration `yaml:"open_settle"`
		TopSettle    time.Duration `yaml:"top_settle"`
		ScrollSettle time.Duration `yaml:"scroll_settle"`
		ScrollStep   int           `yaml:"scroll_step"`
		MaxScrolls   int           `yaml:"max_scrolls"`
		VideoMarker  string        `yaml:"video_marker"`
	} `yaml:"extraction"`

	Browser struct {
		DevToolsURL string `yaml:"devtools_url"`
	} `yaml:"browser"`

	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`

	Prefs struct {
		Path string `yaml:"path"`
	} `yaml:"prefs"`

	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// defaultConfig returns the values used for anything the file leaves out.
func defaultConfig() *Config {
	var cfg Config

	trk := tracker.DefaultConfig()
	cfg.Tracking.Interval = trk.Interval
	cfg.Tracking.CaptureTimeout = trk.CaptureTimeout
	cfg.Tracking.Settle = capture.DefaultConfig().Settle
	cfg.Tracking.ExportFilename = trk.ExportFilename

	ext := roster.DefaultConfig()
	cfg.Extraction.OpenSettle = ext.OpenSettle
	cfg.Extraction.TopSettle = ext.TopSettle
	cfg.Extraction.ScrollSettle = ext.ScrollSettle
	cfg.Extraction.ScrollStep = ext.ScrollStep
	cfg.Extraction.MaxScrolls = ext.MaxScrolls
	cfg.Extraction.VideoMarker = ext.VideoMarker

	cfg.Browser.DevToolsURL = "ws://127.0.0.1:9222"
	cfg.Export.Dir = "./downloads"
	cfg.Prefs.Path = "./data/preferences.json"
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GRPCAddr = ":50051"
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"

	return &cfg
}

func (c *Config) trackerConfig() tracker.Config {
	return tracker.Config{
		Interval:       c.Tracking.Interval,
		CaptureTimeout: c.Tracking.CaptureTimeout,
		ExportFilename: c.Tracking.ExportFilename,
	}
}

func (c *Config) extractorConfig() roster.Config {
	return roster.Config{
		OpenSettle:   c.Extraction.OpenSettle,
		TopSettle:    c.Extraction.TopSettle,
		ScrollSettle: c.Extraction.ScrollSettle,
		ScrollStep:   c.Extraction.ScrollStep,
		MaxScrolls:   c.Extraction.MaxScrolls,
		VideoMarker:  c.Extraction.VideoMarker,
	}
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "attendanced",
		Short: "Attendance tracker for Zoom web meetings",
		Long: `attendanced reads the participant list of a Zoom web meeting and:
- captures one-shot attendance snapshots (CSV or JSON)
- tracks a session on a fixed period and exports a verdict table
- marks a student Present when present in at least 2/3 of the snapshots`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCaptureCommand())
	rootCmd.AddCommand(buildProbeCommand())
	rootCmd.AddCommand(buildPrefsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the attendance tracker service",
		Long:  "Connect to Chrome over DevTools and serve the HTTP and gRPC control APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runService(cmd.Context(), cfg)
		},
	}
	return cmd
}

// stack is the wired capture pipeline shared by run and local capture.
type stack struct {
	browser  *zoomweb.Source
	sink     *export.FileSink
	capturer *capture.Capturer
}

func buildStack(ctx context.Context, cfg *Config, collector *metrics.Collector) *stack {
	var opts []roster.Option
	if collector != nil {
		opts = append(opts, roster.WithSkipHook(func(roster.Row) { collector.RecordSkippedRow() }))
	}

	browser := zoomweb.NewSource(ctx, cfg.Browser.DevToolsURL)
	extractor := roster.NewExtractor(cfg.extractorConfig(), opts...)
	sink := export.NewFileSink(cfg.Export.Dir)
	capturer := capture.NewCapturer(capture.Config{Settle: cfg.Tracking.Settle}, browser, extractor, sink)

	return &stack{browser: browser, sink: sink, capturer: capturer}
}

func runService(ctx context.Context, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := setupLogging(cfg.Log.Level); err != nil {
		return err
	}

	slog.Info("Starting attendance tracker",
		"config", configFile,
		"interval", cfg.Tracking.Interval,
		"devtools", cfg.Browser.DevToolsURL,
		"exportDir", cfg.Export.Dir)

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	st := buildStack(ctx, cfg, collector)
	defer st.browser.Close()

	trk, err := tracker.New(cfg.trackerConfig(), st.capturer, st.sink, tracker.WithRecorder(collector))
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	svc := server.NewService(trk, st.capturer, prefs.NewStore(cfg.Prefs.Path))

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.NewRouter(svc, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		trk.Close(ctx)
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	server.RegisterTrackerServiceServer(grpcServer, server.NewGRPCServer(svc))
	go func() {
		slog.Info("gRPC server listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server failed", "error", err)
		}
	}()

	slog.Info("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		slog.Info("Received shutdown signal, stopping gracefully...")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// exports the active session, if any
	trk.Close(shutdownCtx)
	grpcServer.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}

	slog.Info("System stopped. Goodbye!")
	return nil
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetLogLoggerLevel(lvl)
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}
