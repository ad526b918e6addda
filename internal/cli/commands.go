package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/prefs"
	"github.com/ChuLiYu/attendance-tracker/internal/server"
	"github.com/ChuLiYu/attendance-tracker/internal/tracker"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

const rpcTimeout = 10 * time.Second

// serverAddr picks the --server flag, else the configured gRPC address.
func serverAddr(flag string, cfg *Config) string {
	if flag != "" {
		return flag
	}
	addr := cfg.Server.GRPCAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

func dialServer(flag string) (*server.Client, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return server.Dial(serverAddr(flag, cfg))
}

// rpcError strips the gRPC envelope so users see the service message.
func rpcError(err error) error {
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("%s", s.Message())
	}
	return err
}

func boolFlag(cmd *cobra.Command, name string, value bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

// ============================================================================
// start / stop
// ============================================================================

func buildStartCommand() *cobra.Command {
	var target, addr string
	var requireCamera bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start tracking attendance",
		Long:  "Ask a running service to capture the roster of --target every interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialServer(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			resp, err := client.StartTracking(ctx, server.StartRequest{
				Target:        target,
				RequireCamera: boolFlag(cmd, "require-camera", requireCamera),
			})
			if err != nil {
				return rpcError(err)
			}
			if !resp.Started {
				fmt.Fprintf(cmd.OutOrStdout(), "Already tracking (session %s)\n", resp.SessionID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tracking started (session %s)\n", resp.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "DevTools target id of the meeting tab")
	cmd.Flags().BoolVar(&requireCamera, "require-camera", false, "mark participants without camera as absent")
	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of the service (default from config)")
	cmd.MarkFlagRequired("target")

	return cmd
}

func buildStopCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop tracking and export the attendance log",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialServer(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			// aggregation and export happen server side before the reply
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			resp, err := client.StopTracking(ctx)
			if err != nil {
				return rpcError(err)
			}
			printStop(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of the service (default from config)")
	return cmd
}

func printStop(w io.Writer, resp server.StopResponse) {
	if !resp.Stopped || resp.Report == nil {
		fmt.Fprintln(w, "Not tracking")
		return
	}
	r := resp.Report

	fmt.Fprintf(w, "Tracking stopped (session %s)\n", r.SessionID)
	fmt.Fprintf(w, "  Snapshots: %d (skipped ticks: %d)\n", r.Snapshots, r.SkippedTicks)
	fmt.Fprintf(w, "  Students:  %d\n", len(r.Table.Rows))
	for _, row := range r.Table.Rows {
		fmt.Fprintf(w, "    %-30s %-8s %d/%d\n", row.Name, row.OverallVerdict, row.TotalPresent, r.Snapshots)
	}
	if r.ExportError != "" {
		fmt.Fprintf(w, "  Export failed: %s\n", r.ExportError)
		return
	}
	fmt.Fprintf(w, "  Saved to:  %s\n", r.Location)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracker status",
		Long:  "Display the configuration and, if the service is reachable, the tracking state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var state *tracker.State
			if client, err := server.Dial(serverAddr(addr, cfg)); err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
				if s, err := client.GetState(ctx); err == nil {
					state = &s
				}
				cancel()
				client.Close()
			}

			printStatus(cmd.OutOrStdout(), cfg, state)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of the service (default from config)")
	return cmd
}

func printStatus(w io.Writer, cfg *Config, state *tracker.State) {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Interval:         %s\n", cfg.Tracking.Interval)
	fmt.Fprintf(w, "  ├─ Capture Timeout:  %s\n", cfg.Tracking.CaptureTimeout)
	fmt.Fprintf(w, "  ├─ DevTools:         %s\n", cfg.Browser.DevToolsURL)
	fmt.Fprintf(w, "  └─ Export Dir:       %s\n", cfg.Export.Dir)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Tracker:")
	switch {
	case state == nil:
		fmt.Fprintln(w, "  └─ Service not reachable (run 'attendanced run' to start)")
	case !state.Tracking:
		fmt.Fprintln(w, "  └─ Idle")
	default:
		fmt.Fprintf(w, "  ├─ Session:          %s\n", state.SessionID)
		fmt.Fprintf(w, "  ├─ Target:           %s\n", state.Target)
		fmt.Fprintf(w, "  ├─ Started:          %s\n", state.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  ├─ Snapshots:        %d\n", state.Snapshots)
		fmt.Fprintf(w, "  └─ Skipped Ticks:    %d\n", state.SkippedTicks)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Disabled")
	}
}

// ============================================================================
// capture / probe
// ============================================================================

func buildCaptureCommand() *cobra.Command {
	var target, addr, format string
	var requireCamera bool

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture attendance once",
		Long:  "Take one roster snapshot and save it as CSV or JSON. Use --server to capture through a running service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.CaptureRequest{
				Target:        target,
				RequireCamera: boolFlag(cmd, "require-camera", requireCamera),
				Format:        format,
			}

			var result capture.OnceResult
			if addr != "" {
				client, err := server.Dial(addr)
				if err != nil {
					return err
				}
				defer client.Close()

				ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
				defer cancel()
				if result, err = client.Capture(ctx, req); err != nil {
					return rpcError(err)
				}
			} else {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if err := setupLogging(cfg.Log.Level); err != nil {
					return err
				}

				st := buildStack(cmd.Context(), cfg, nil)
				defer st.browser.Close()

				svc := server.NewService(nil, st.capturer, prefs.NewStore(cfg.Prefs.Path))
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Tracking.CaptureTimeout)
				defer cancel()
				if result, err = svc.Capture(ctx, req); err != nil {
					return fmt.Errorf("%s", capture.UserMessage(err))
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Captured %d participants -> %s\n", result.ParticipantCount, result.Location)
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "DevTools target id of the meeting tab")
	cmd.Flags().BoolVar(&requireCamera, "require-camera", false, "mark participants without camera as absent")
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format: csv or json (default from preferences)")
	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of a running service")
	cmd.MarkFlagRequired("target")

	return cmd
}

func buildProbeCommand() *cobra.Command {
	var target, addr string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether a tab is in a meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialServer(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			meeting, err := client.Probe(ctx, server.ProbeRequest{Target: target})
			if err != nil {
				return rpcError(err)
			}
			printProbe(cmd.OutOrStdout(), meeting)
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "DevTools target id of the meeting tab")
	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of the service (default from config)")
	cmd.MarkFlagRequired("target")

	return cmd
}

func printProbe(w io.Writer, meeting types.MeetingStatus) {
	if !meeting.InMeeting {
		fmt.Fprintln(w, "Not in meeting")
		return
	}
	fmt.Fprintf(w, "In meeting: %d participants\n", meeting.ParticipantCount)
}

// ============================================================================
// prefs
// ============================================================================

func buildPrefsCommand() *cobra.Command {
	var requireCamera bool
	var format string

	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change stored preferences",
		Long:  "Without flags print the stored preferences; with --require-camera or --format update them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			svc := server.NewService(nil, nil, prefs.NewStore(cfg.Prefs.Path))

			var p prefs.Preferences
			if cmd.Flags().Changed("require-camera") || cmd.Flags().Changed("format") {
				req := server.PreferencesRequest{RequireCamera: boolFlag(cmd, "require-camera", requireCamera)}
				if cmd.Flags().Changed("format") {
					req.Format = &format
				}
				p, err = svc.UpdatePreferences(req)
			} else {
				p, err = svc.Preferences()
			}
			if err != nil {
				return err
			}

			printPrefs(cmd.OutOrStdout(), p)
			return nil
		},
	}

	cmd.Flags().BoolVar(&requireCamera, "require-camera", false, "mark participants without camera as absent")
	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatCSV), "default one-shot output format: csv or json")

	return cmd
}

func printPrefs(w io.Writer, p prefs.Preferences) {
	fmt.Fprintf(w, "Require camera: %t\n", p.RequireCamera)
	fmt.Fprintf(w, "Output format:  %s\n", p.Format)
}
