package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/driverbench/internal/config"
	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/feedback"
	"github.com/signalnine/driverbench/internal/gateway"
	"github.com/signalnine/driverbench/internal/identity"
	"github.com/signalnine/driverbench/internal/logging"
	"github.com/signalnine/driverbench/internal/metrics"
	"github.com/signalnine/driverbench/internal/model"
	"github.com/signalnine/driverbench/internal/pricing"
	"github.com/signalnine/driverbench/internal/report"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/runner"
	"github.com/signalnine/driverbench/internal/toolchain"
)

var (
	flagIterations  int
	flagWorkers     int
	flagTasks       []string
	flagMetricsAddr string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every task through the generate, compile and repair loop",
		RunE:  runEvaluation,
	}
	cmd.Flags().IntVar(&flagIterations, "iterations", 0, "override the iteration budget of every task")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "override the number of tasks evaluated in parallel")
	cmd.Flags().StringSliceVar(&flagTasks, "task", nil, "only run these task IDs (repeatable)")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Override(flagIterations, flagWorkers); err != nil {
		return err
	}
	if flagMetricsAddr != "" {
		cfg.Metrics.Addr = flagMetricsAddr
	}

	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer logging.Install(logger)()

	if n, err := cfg.LoadSecrets(); err != nil {
		return err
	} else if n > 0 {
		logger.Debug("loaded secrets", zap.Int("vars", n))
	}

	specs, err := cfg.LoadTasks(flagTasks)
	if err != nil {
		return err
	}
	styleRef, err := cfg.ReadCodingStyle()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, m, logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	modelCfg := model.Config{
		Provider:    cfg.Model.Provider,
		Name:        cfg.Model.Name,
		APIKey:      cfg.APIKey(),
		BaseURL:     cfg.Model.BaseURL,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout,
	}
	if cfg.Gateway.Enabled {
		gw, err := gateway.Start(ctx, &gateway.StartOpts{
			Command:    cfg.Gateway.Command,
			ConfigFile: cfg.Path(cfg.Gateway.ConfigFile),
			LogDir:     cfg.Path(cfg.Gateway.LogDir),
			Timeout:    cfg.Gateway.StartTimeout,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		defer gw.Stop()
		modelCfg.BaseURL = gw.BaseURL()
	}
	gen, err := model.New(ctx, modelCfg)
	if err != nil {
		return err
	}
	limited := model.NewLimited(gen, model.LimitOptions{
		RequestsPerMinute: cfg.Model.RequestsPerMinute,
		MaxElapsed:        cfg.Model.MaxRetryElapsed,
	}, logger)
	limited.OnRateLimit = m.RateLimited

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return err
	}
	deps.Generator = limited
	deps.Metrics = m
	deps.Style = feedback.Style{Reference: styleRef, Author: cfg.Author}

	runDir, runID, err := result.CreateRunDir(cfg.Path(cfg.Results.Dir))
	if err != nil {
		return err
	}
	deps.RunDir = runDir
	fmt.Fprintf(cmd.OutOrStdout(), "Run directory: %s\n", runDir)

	tasks := make([]*runner.Task, len(specs))
	meta := &result.RunMeta{
		ID:        runID,
		StartedAt: time.Now().UTC(),
		Provider:  cfg.Model.Provider,
		Model:     cfg.Model.Name,
		Executor:  cfg.Toolchain.Executor,
		Budget:    cfg.Evaluation.Iterations,
		Workers:   cfg.Evaluation.Workers,
		Identity:  cfg.Evaluation.Identity,
	}
	for i, s := range specs {
		tasks[i] = runner.NewTask(s.ID, s.Prompt, s.Budget)
		meta.Tasks = append(meta.Tasks, s.ID)
	}
	if err := result.WriteRunMeta(runDir, meta); err != nil {
		return err
	}

	logger.Info("starting run",
		zap.String("run", runID),
		zap.String("model", cfg.Model.Provider+"/"+cfg.Model.Name),
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", cfg.Evaluation.Workers))
	outcome, runErr := runner.Evaluate(ctx, tasks, deps)
	if outcome == nil {
		return runErr
	}

	meta.FinishedAt = time.Now().UTC()
	meta.Cancelled = outcome.Cancelled
	rs := &result.RunSummary{Run: *meta, Summary: outcome.Summary, Reports: outcome.Reports}
	if err := result.WriteRunMeta(runDir, meta); err != nil {
		logger.Warn("writing run metadata", zap.Error(err))
	}
	if err := result.WriteSummary(runDir, rs); err != nil {
		logger.Warn("writing summary", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n--- Results ---")
	if err := report.Write(rs, report.FormatTable, out); err != nil {
		return err
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run interrupted: %d task(s) cancelled", len(outcome.Cancelled))
		}
		return runErr
	}
	return nil
}

// buildDeps turns the toolchain and evaluation sections into engine
// dependencies. The generator, metrics, style and run directory are set by
// the caller.
func buildDeps(cfg *config.Config, logger *zap.Logger) (*runner.Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := cfg.Toolchain
	deps := &runner.Deps{
		Compiler: toolchain.Tool{
			Name:     toolchain.ToolCompiler,
			Template: toolchain.Template(tc.Compiler.Command),
		},
		CompilerPath:     tc.CompilerPath,
		Flags:            toolchain.FilterFlags(tc.CompileFlags, tc.DropFlags, toolchain.KernelRelease()),
		Timeout:          tc.Timeout,
		FeedbackMaxBytes: cfg.Evaluation.FeedbackMaxBytes,
		Workers:          cfg.Evaluation.Workers,
		Weights:          cfg.Evaluation.Weights,
		Logger:           logger,
	}

	if a := tc.Analyzer; a != nil && a.Command != "" {
		format, err := diagnostic.ParseFormat(a.Format)
		if err != nil {
			return nil, fmt.Errorf("toolchain.analyzer: %w", err)
		}
		deps.Analyzer = &toolchain.Tool{
			Name:            toolchain.ToolAnalyzer,
			Template:        toolchain.Template(a.Command),
			FromFixes:       format == diagnostic.FormatFixes,
			RequiresCompile: a.RequiresCompile,
		}
		deps.AnalyzerFormat = format
	}

	fn, err := identity.ForStrategy(cfg.Evaluation.Identity)
	if err != nil {
		return nil, err
	}
	deps.Matcher = identity.NewMatcher(fn)

	switch tc.Executor {
	case config.ExecutorDocker:
		dr := toolchain.NewDockerRunner(tc.Image, tc.MaxOutputBytes, logger)
		dr.CPULimit = tc.CPULimit
		dr.MemoryLimit = tc.MemoryMB << 20
		deps.Runner = dr
	default:
		deps.Runner = toolchain.NewLocalRunner(tc.MaxOutputBytes, logger)
	}

	if cfg.PricingFile != "" {
		table, err := pricing.Load(cfg.Path(cfg.PricingFile))
		if err != nil {
			return nil, err
		}
		if _, ok := table.Lookup(cfg.Model.Provider, cfg.Model.Name); !ok {
			logger.Warn("no pricing for model, cost will be zero",
				zap.String("provider", cfg.Model.Provider), zap.String("model", cfg.Model.Name))
		}
		deps.Cost = table.For(cfg.Model.Provider, cfg.Model.Name)
	}
	return deps, nil
}
