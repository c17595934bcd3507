// ============================================================================
// dlqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra command tree for the download queue daemon and its clients
//
// Command Structure:
//   dlqueue                        # Root command
//   ├── run                        # Start the queue daemon
//   ├── enqueue                    # Submit downloads (flags or --file)
//   ├── status                     # Show sets, counters and progress
//   ├── clear pending|finished     # Empty a set
//   ├── remove <download-id>       # Drop one finished item
//   ├── cancel <target>            # Stop an active transfer
//   └── settings show|set          # Read or edit the live settings file
//
// Every command reads the YAML config given with --config. When the default
// path does not exist the built-in defaults are used.
//
// run starts, in one errgroup tied to SIGINT/SIGTERM:
//   1. queue recovery and the controller loop
//   2. the gRPC control service (server.addr)
//   3. the metrics HTTP server (if enabled)
//   4. the settings file watcher
//   5. the maintenance scheduler (if maintenance.spec is set)
//
// The client commands talk to a running daemon over gRPC. settings set
// writes the settings file directly; the daemon picks the change up on its
// next poll.
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dlqueue/internal/metrics"
	"github.com/ChuLiYu/dlqueue/internal/server"
	"github.com/ChuLiYu/dlqueue/internal/settings"
	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

const version = "1.0.0"

var (
	configFile string
	serverAddr string
	rpcTimeout time.Duration
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dlqueue",
		Short: "dlqueue: a crash-recoverable download queue",
		Long: `dlqueue admits download requests under a live concurrency cap with:
- file-backed pending/running/finished sets
- SQLite or Redis download records
- retry with a per-download attempt budget
- Prometheus metrics and a gRPC control API`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "daemon address, overrides server.addr")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "timeout", 10*time.Second, "RPC timeout")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildClearCommand())
	rootCmd.AddCommand(buildRemoveCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildSettingsCommand())

	return rootCmd
}

func currentConfig(cmd *cobra.Command) (*Config, error) {
	return resolveConfig(configFile, cmd.Flags().Changed("config"))
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the download queue daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := currentConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if serverAddr != "" {
				cfg.Server.Addr = serverAddr
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func runDaemon(parent context.Context, cfg *Config) error {
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	d, err := newDaemon(cfg, collector)
	if err != nil {
		return err
	}
	defer d.close()

	logger.Log.Info().
		Str("config", configFile).
		Str("records", cfg.Records.Backend).
		Str("download_dir", cfg.Executor.DownloadDir).
		Int("workers", cfg.Executor.Workers).
		Msg("starting dlqueue")

	if err := d.serve(ctx); err != nil {
		return err
	}
	logger.Log.Info().Msg("dlqueue stopped")
	return nil
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials the daemon and runs fn under the RPC timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	cfg, err := currentConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := cfg.Server.Addr
	if serverAddr != "" {
		addr = serverAddr
	}

	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildEnqueueCommand() *cobra.Command {
	var (
		file    string
		req     types.Request
		headers []string
		hash    string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue downloads",
		Long:  "Enqueue one download described by flags, or a JSON array of requests with --file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []types.Request
			if file != "" {
				var err error
				if reqs, err = readRequests(file); err != nil {
					return err
				}
			} else {
				h, err := parseHeaders(headers)
				if err != nil {
					return err
				}
				req.Headers = h
				if req.Hash, err = parseHash(hash); err != nil {
					return err
				}
				if req.URL == "" || req.FileName == "" {
					return fmt.Errorf("--url and --name are required without --file")
				}
				reqs = []types.Request{req}
			}

			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				accepted := 0
				for _, r := range reqs {
					ok, err := c.Enqueue(ctx, r)
					if err != nil {
						return fmt.Errorf("failed to enqueue %s: %w", r.URL, err)
					}
					if ok {
						accepted++
					} else {
						fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: already queued or loading\n", r.TargetName())
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accepted %d/%d\n", accepted, len(reqs))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing an array of requests")
	cmd.Flags().StringVar(&req.URL, "url", "", "resource URL")
	cmd.Flags().StringVar(&req.FileName, "name", "", "target file name")
	cmd.Flags().StringVar(&req.SubDir, "dir", "", "sub directory under the download root")
	cmd.Flags().BoolVar(&req.ReplaceExisting, "replace", false, "overwrite an existing target")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&hash, "hash", "", "expected digest as algorithm:hex (md5, sha1, sha256)")

	return cmd
}

func readRequests(path string) ([]types.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var reqs []types.Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("request file %s is empty", path)
	}
	return reqs, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func parseHash(raw string) (*types.HashInfo, error) {
	if raw == "" {
		return nil, nil
	}
	algo, value, ok := strings.Cut(raw, ":")
	if !ok || algo == "" || value == "" {
		return nil, fmt.Errorf("invalid hash %q, want algorithm:hex", raw)
	}
	switch algo = strings.ToLower(algo); algo {
	case "md5", "sha1", "sha256":
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	return &types.HashInfo{Algorithm: algo, Value: strings.ToLower(value)}, nil
}

func buildStatusCommand() *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  "Display set sizes, queue content and transfer progress of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				printStatus(cmd.OutOrStdout(), st, verbose)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list the items of every set")
	return cmd
}

func printStatus(w io.Writer, st server.StatusReply, verbose bool) {
	fmt.Fprintf(w, "uptime   %s\n", st.Uptime)
	fmt.Fprintf(w, "pending  %d\n", st.Pending)
	fmt.Fprintf(w, "launched %d\n", st.Launched)
	fmt.Fprintf(w, "running  %d\n", st.Running)
	fmt.Fprintf(w, "finished %d\n", st.Finished)

	if verbose {
		for _, set := range []string{"pending", "launched", "running", "finished"} {
			items := st.Items[set]
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s:\n", set)
			for _, it := range items {
				fmt.Fprintf(w, "  #%d %s <- %s", it.ID, it.Target, it.URL)
				if it.DownloadID != 0 {
					fmt.Fprintf(w, " (download %d)", it.DownloadID)
				}
				fmt.Fprintln(w)
			}
		}
	}

	if len(st.Progress) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATE\tPROGRESS\tRECORD\tERROR")
	for _, p := range st.Progress {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.Target, p.State, formatProgress(p.CurrentBytes, p.TotalBytes), p.RecordID, p.Error)
	}
	tw.Flush()
}

func formatProgress(current, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%d B", current)
	}
	return fmt.Sprintf("%d/%d B (%.0f%%)", current, total, float64(current)/float64(total)*100)
}

func buildClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Empty the pending or finished set",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Drop every pending item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return c.ClearPending(ctx)
			})
		},
	})

	var withRecords bool
	finished := &cobra.Command{
		Use:   "finished",
		Short: "Drop every finished item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return c.ClearFinished(ctx, withRecords)
			})
		},
	}
	finished.Flags().BoolVar(&withRecords, "with-records", false, "also delete the download records")
	cmd.AddCommand(finished)

	return cmd
}

func buildRemoveCommand() *cobra.Command {
	var withRecords bool
	cmd := &cobra.Command{
		Use:   "remove <download-id>",
		Short: "Remove one finished item by its download record id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid download id %q", args[0])
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				removed, err := c.RemoveFinished(ctx, id, withRecords)
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "download %d is not in the finished set\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withRecords, "with-records", false, "also delete the download record")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <target>",
		Short: "Cancel the active transfer of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ok, err := c.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no active transfer for %s", args[0])
				}
				return nil
			})
		},
	}
}

// ============================================================================
// settings
// ============================================================================

func buildSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the live download settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSettings(cmd)
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), src.Current())
			return nil
		},
	})

	var (
		maxDownloads   int
		retryDownloads bool
		maxRetries     int
		connectTimeout time.Duration
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change settings; the running daemon reloads them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSettings(cmd)
			if err != nil {
				return err
			}
			next := src.Current()
			flags := cmd.Flags()
			if flags.Changed("max-downloads") {
				next.MaxDownloads = maxDownloads
			}
			if flags.Changed("retry") {
				next.RetryDownloads = retryDownloads
			}
			if flags.Changed("max-retries") {
				next.MaxRetries = maxRetries
			}
			if flags.Changed("connect-timeout") {
				next.ConnectTimeout = connectTimeout
			}
			if err := src.Set(next); err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), src.Current())
			return nil
		},
	}
	set.Flags().IntVar(&maxDownloads, "max-downloads", 0, "concurrency cap, 0 for unlimited")
	set.Flags().BoolVar(&retryDownloads, "retry", false, "retry failed downloads")
	set.Flags().IntVar(&maxRetries, "max-retries", 0, "attempts per download when retrying")
	set.Flags().DurationVar(&connectTimeout, "connect-timeout", 0, "time allowed until response headers")
	cmd.AddCommand(set)

	return cmd
}

func openSettings(cmd *cobra.Command) (*settings.Source, error) {
	cfg, err := currentConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Settings.File == "" {
		return nil, fmt.Errorf("settings.file is not configured")
	}
	return settings.NewSource(cfg.Settings.File, cfg.Settings.Defaults)
}

func printSettings(w io.Writer, s settings.Settings) {
	limit := strconv.Itoa(s.MaxDownloads)
	if s.MaxDownloads == 0 {
		limit = "unlimited"
	}
	fmt.Fprintf(w, "max_downloads   %s\n", limit)
	fmt.Fprintf(w, "retry_downloads %t\n", s.RetryDownloads)
	fmt.Fprintf(w, "max_retries     %d\n", s.MaxRetries)
	fmt.Fprintf(w, "connect_timeout %s\n", s.ConnectTimeout)
}
