// Package cmd defines the sceneflow command line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sceneflow/internal/app"
	"github.com/JakeFAU/sceneflow/internal/config"
	"github.com/JakeFAU/sceneflow/internal/logging"
	"github.com/JakeFAU/sceneflow/internal/metrics"
	"github.com/JakeFAU/sceneflow/internal/telemetry"
	"github.com/JakeFAU/sceneflow/internal/workflow"
)

// Runner is the part of the application the command drives. It is an interface so
// tests can inject a stub.
type Runner interface {
	Run(ctx context.Context, location string) (workflow.Result, error)
	Close()
}

// newRunner is the application factory, replaced in tests.
var newRunner = func(cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(cfg, logger)
}

// newLogger builds the process logger, replaced in tests.
var newLogger = logging.New

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sceneflow [flags] <geojson-path>",
		Short: "Search imagery over an area and release imagery and car-detection maps for the best scene.",
		Long: `sceneflow searches the remote imagery catalogue for scenes covering the GeoJSON
geometry at <geojson-path> (a local file or gs://bucket/object), picks the clearest
highest-resolution scene, and runs the imagery and cars release pipelines for it.

The result document is written to stdout as JSON; logs go to stderr.
The API token is read from the environment variable named by auth.token_env (JWT_TOKEN).`,
		Version: Version,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return usageError{fmt.Errorf("load config: %w", err)}
			}
			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			if cfg.Tracing.Enabled {
				tp, terr := telemetry.InitTracerProvider(cmd.Context(), telemetry.Config{
					ServiceVersion: Version,
					ProjectID:      cfg.Tracing.ProjectID,
				})
				if terr != nil {
					return usageError{fmt.Errorf("init tracing: %w", terr)}
				}
				defer func() {
					if serr := tp.Shutdown(context.WithoutCancel(cmd.Context())); serr != nil {
						logger.Warn("failed to flush traces", zap.Error(serr))
					}
				}()
			}
			if cfg.Metrics.Textfile != "" {
				defer func() {
					if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
						logger.Warn("failed to write metrics textfile", zap.Error(werr))
					}
				}()
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cfg, logger, args[0])
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	return cmd
}

func run(ctx context.Context, out io.Writer, cfg config.Config, logger *zap.Logger, location string) error {
	runner, err := newRunner(cfg, logger)
	if err != nil {
		return usageError{fmt.Errorf("initialize application: %w", err)}
	}
	defer runner.Close()

	res, runErr := runner.Run(ctx, location)
	if res.RunID != "" && res.Selected {
		if err := writeResult(out, res); err != nil {
			return err
		}
	}
	if runErr != nil {
		logger.Error("workflow failed", zap.String("run_id", res.RunID), zap.Error(runErr))
		return runErr
	}
	return nil
}

// document is the JSON written to stdout. Releases that failed are null.
type document struct {
	RunID   string          `json:"runId"`
	SceneID string          `json:"sceneId"`
	Imagery json.RawMessage `json:"imagery"`
	Cars    json.RawMessage `json:"cars"`
}

func writeResult(out io.Writer, res workflow.Result) error {
	doc := document{RunID: res.RunID, SceneID: res.Scene.SceneID}
	if res.Imagery.OK() {
		doc.Imagery = res.Imagery.Data
	}
	if res.Cars.OK() {
		doc.Cars = res.Cars.Data
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, cmd *cobra.Command, args []string, stderr io.Writer) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}
