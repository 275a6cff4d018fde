package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ollama/makeup/envconfig"
	"github.com/ollama/makeup/logutil"
	"github.com/ollama/makeup/metrics"
	"github.com/ollama/makeup/ml"
	_ "github.com/ollama/makeup/model/models"
	"github.com/ollama/makeup/trainer"
)

func loadConfig(cmd *cobra.Command, args []string) (*envconfig.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	return envconfig.Load(path, args)
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	logger := logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel())
	slog.SetDefault(logger)
	return logger
}

// serveMetrics exposes m on MAKEUP_METRICS_ADDR until ctx is done.
func serveMetrics(ctx context.Context, m *metrics.Metrics) {
	if envconfig.MetricsAddr == "" {
		return
	}

	go func() {
		if err := m.Serve(ctx, envconfig.MetricsAddr); err != nil {
			slog.Error("metrics server failed", "addr", envconfig.MetricsAddr, "error", err)
		}
	}()
}

func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger := newLogger(cmd)
	slog.Debug("environment", "values", envconfig.Values())

	if err := cfg.Show(cmd.OutOrStdout()); err != nil {
		return err
	}

	if err := cfg.Write(filepath.Join(cfg.ProjectDir, "config.yaml")); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := metrics.New()
	serveMetrics(ctx, m)

	return trainer.Launch(ctx, envconfig.NumProcesses, func(ctx context.Context, acc ml.Accelerator) error {
		s, err := trainer.Setup(cfg, acc, false, trainer.Options{Logger: logger, Metrics: m, Progress: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		return s.Train(ctx)
	})
}

func GenerateHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	filename, err := cmd.Flags().GetString("save-file-name")
	if err != nil {
		return err
	}

	logger := newLogger(cmd)
	if cfg.Train.Resume == "" {
		logger.Warn("TRAIN.RESUME is not set, sampling from untrained EMA weights")
	}

	return trainer.Launch(cmd.Context(), envconfig.NumProcesses, func(ctx context.Context, acc ml.Accelerator) error {
		s, err := trainer.Setup(cfg, acc, true, trainer.Options{Logger: logger, Progress: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		return s.Generate(ctx, filename)
	})
}

func ConfigShowHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	return cfg.Show(cmd.OutOrStdout())
}

func envVarsHelp() string {
	var s string
	for _, name := range []string{"MAKEUP_DEBUG", "MAKEUP_TRACE", "MAKEUP_PROJECT_DIR", "MAKEUP_NUM_PROCESSES", "MAKEUP_NUM_WORKERS", "MAKEUP_METRICS_ADDR", "MAKEUP_SEED"} {
		e := envconfig.AsMap()[name]
		s += fmt.Sprintf("      %-22s %s\n", e.Name, e.Description)
	}
	return "\nEnvironment Variables:\n" + s
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "makeup",
		Short: "Diffusion trainer for face and makeup images",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	trainCmd := &cobra.Command{
		Use:     "train [KEY VALUE]...",
		Short:   "Train a model",
		Example: "  makeup train --config configs/makeup.yaml TRAIN.LR 2e-4 TRAIN.MAX_ITER 20000",
		RunE:    TrainHandler,
	}

	generateCmd := &cobra.Command{
		Use:     "generate [KEY VALUE]...",
		Short:   "Sample an image grid with EMA weights",
		Example: "  makeup generate --config configs/makeup.yaml --save-file-name out.png TRAIN.RESUME runs/makeup/checkpoints/final.pth",
		RunE:    GenerateHandler,
	}
	generateCmd.Flags().String("save-file-name", "generated.png", "Path of the generated grid")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect experiment configs",
	}

	showCmd := &cobra.Command{
		Use:   "show [KEY VALUE]...",
		Short: "Print the resolved config",
		RunE:  ConfigShowHandler,
	}
	configCmd.AddCommand(showCmd)

	for _, c := range []*cobra.Command{trainCmd, generateCmd, showCmd} {
		c.Flags().StringP("config", "c", "", "Experiment config file (YAML or TOML)")
		c.SetUsageTemplate(c.UsageTemplate() + envVarsHelp())
	}

	rootCmd.AddCommand(
		trainCmd,
		generateCmd,
		configCmd,
	)

	return rootCmd
}

// Execute runs the CLI after loading .env from the working directory.
func Execute(ctx context.Context) error {
	if err := LoadDotEnv(".env"); err != nil {
		return err
	}
	return NewCLI().ExecuteContext(ctx)
}
