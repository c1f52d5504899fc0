package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/luasbx/internal/config"
	"github.com/dshills/luasbx/internal/host"
	"github.com/dshills/luasbx/internal/metrics"
	"github.com/dshills/luasbx/internal/usage"
)

// CheckpointFile is the default checkpoint store name inside the state
// directory.
const CheckpointFile = "checkpoints.toml"

type runOptions struct {
	configPath     string
	inputPath      string
	metricsAddr    string
	checkpointPath string
	keepRunning    bool
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sandboxes of a definitions file",
		Long: `Run starts every sandbox listed in the definitions file. Input sandboxes
produce messages on their own; messages read from --input are delivered to
the analysis and output sandboxes whose message_matcher accepts them.

With --input the host stops once the input is processed, unless
--keep-running is set. Otherwise it runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "luasbx.toml", "Path to the definitions file")
	cmd.Flags().StringVarP(&opts.inputPath, "input", "i", "", "Framed message stream to deliver (- for stdin)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.checkpointPath, "checkpoints", "", "Checkpoint file (default <state_directory>/"+CheckpointFile+")")
	cmd.Flags().BoolVar(&opts.keepRunning, "keep-running", false, "Keep running after --input is processed")
	return cmd
}

func runHost(cmd *cobra.Command, opts runOptions) error {
	logger := slog.Default()

	file, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	checkpoints := opts.checkpointPath
	if checkpoints == "" {
		dir := file.StateDirectory
		if dir == "" {
			dir = filepath.Dir(file.Path)
		}
		checkpoints = filepath.Join(dir, CheckpointFile)
	}

	m := host.NewManager(file,
		host.WithLogger(logger),
		host.WithCheckpointStore(host.NewCheckpointStore(checkpoints)),
	)
	defer m.Close()
	if err := m.Start(); err != nil {
		if len(m.Workers()) == 0 {
			return err
		}
		logger.Warn("some sandboxes failed to start", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	if opts.metricsAddr != "" {
		srv, err := serveMetrics(opts.metricsAddr, m, logger)
		if err != nil {
			cancel()
			<-done
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.inputPath != "" {
		if err := feed(ctx, cmd, m, opts.inputPath, logger); err != nil {
			cancel()
			<-done
			return err
		}
		if !opts.keepRunning {
			cancel()
		}
	}

	err = <-done
	printSummary(cmd.OutOrStdout(), m)
	return err
}

// feed delivers every framed message of path and waits until the
// sandboxes have processed them.
func feed(ctx context.Context, cmd *cobra.Command, m *host.Manager, path string, logger *slog.Logger) error {
	frames, err := readFrames(cmd, path)
	if err != nil {
		return err
	}

	for i, frame := range frames {
		if _, err := m.Dispatch(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("message not delivered", slog.Int("message", i+1), slog.Any("error", err))
		}
	}
	if err := m.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("input processed", slog.Int("messages", len(frames)))
	return nil
}

func serveMetrics(addr string, m *host.Manager, logger *slog.Logger) (*http.Server, error) {
	registry, err := metrics.NewRegistry(metrics.SourceFunc(func() []metrics.Sandbox {
		return metrics.List(m.Sandboxes())
	}))
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	metrics.RegisterEndpoint(mux, registry)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return srv, nil
}

// printSummary writes one row of statistics per sandbox.
func printSummary(w io.Writer, m *host.Manager) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tROLE\tSTATE\tPROCESSED\tFAILED\tINJECTED\tMAX MEMORY\tLAST ERROR")
	for _, sb := range m.Sandboxes() {
		stats := sb.Stats()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			sb.Name(), sb.Role(), sb.State(),
			stats.PMCount, stats.PMFailures, stats.IMCount,
			sb.Usage(usage.Memory, usage.Maximum), sb.LastError())
	}
	tw.Flush()
}
