package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/enermet/metercal/pkg/api"
	"github.com/enermet/metercal/pkg/config"
	"github.com/enermet/metercal/pkg/engine"
	"github.com/enermet/metercal/pkg/events"
	"github.com/enermet/metercal/pkg/orchestrator"
	"github.com/enermet/metercal/pkg/progress"
	"github.com/enermet/metercal/pkg/session"
	"github.com/enermet/metercal/pkg/simulator"
	"github.com/enermet/metercal/pkg/transport"
)

// NewRunCommand .
func NewRunCommand() *cobra.Command {
	var (
		simulate    bool
		autoConfirm bool
		parallel    bool
		listen      string
		schedule    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Calibrate every meter in the run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if simulate {
				cfg.Run.Simulate = true
			}
			if autoConfirm {
				cfg.Run.AutoConfirm = true
			}
			if parallel {
				cfg.Run.Mode = "parallel"
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if schedule == "" {
				return runBench(cfg)
			}
			return runScheduled(cfg, schedule)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&simulate, "simulate", false, "run against simulated meters instead of the bench")
	flags.BoolVarP(&autoConfirm, "yes", "y", false, "answer yes to every operator prompt")
	flags.BoolVar(&parallel, "parallel", false, "run meters concurrently")
	flags.StringVar(&listen, "listen", "", "serve live run status on this address")
	flags.StringVar(&schedule, "schedule", "", "repeat the run on a cron schedule (e.g. \"0 6 * * *\")")

	return cmd
}

// runScheduled repeats the run on a cron schedule, typically nightly
// verification of the bench's reference meters. Failed runs are logged
// and the schedule continues.
func runScheduled(cfg *config.Config, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		next := sched.Next(time.Now())
		logrus.Infof("next run at %s", next.Format(time.RFC3339))
		select {
		case <-sigCtx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		if err := runBench(cfg); err != nil {
			logrus.WithError(err).Error("scheduled run failed")
		}
	}
}

func runBench(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engCfg := engine.DefaultConfig()
	engCfg.Tolerance = cfg.Calibrate.TolerancePercent
	engCfg.MaxAdjustAttempts = cfg.Calibrate.MaxAdjustAttempts
	for name, ref := range cfg.Calibrate.References {
		engCfg.References[name] = ref
	}

	var operator engine.Operator = newConsoleOperator()
	if cfg.Run.AutoConfirm || cfg.Run.Simulate {
		operator = engine.AutoOperator{}
	}

	hub := events.NewHub()
	opts := orchestrator.Options{
		Mode:           orchestrator.Mode(cfg.Run.Mode),
		MaxConcurrency: cfg.Run.MaxConcurrency,
		Engine:         engCfg,
		Policy:         transport.Policy{Timeout: cfg.Transport.Timeout, Retries: cfg.Transport.Retries},
		Operator:       operator,
		Events:         hub,
	}
	if cfg.Run.Simulate {
		opts.Conns = simFactory(cfg)
	}

	orch, err := orchestrator.New(opts, store)
	if err != nil {
		return err
	}

	if cfg.Listen != "" {
		srv := api.New(cfg.Listen, orch, hub)
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	// First interrupt stops launching new sessions and lets in-flight
	// steps finish; a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx, cfg.SessionTargets())
	if err != nil {
		return err
	}
	printReport(report)
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d meters failed", len(report.Failed), len(report.Reports))
	}
	return nil
}

func openStore(cfg *config.Config) (progress.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return progress.NewSQLiteStore(cfg.Store.Path)
	default:
		return progress.NewFileStore(cfg.Store.Path)
	}
}

// simFactory builds one simulated meter per target, preloaded with
// nominal bench readings slightly out of calibration so the correction
// loop has work to do.
func simFactory(cfg *config.Config) orchestrator.ConnFactory {
	return func(t session.Target) transport.Conn {
		dev := simulator.New(t.DeviceID)
		for _, preset := range []struct {
			addr  uint16
			value float64
		}{
			{0x0000, 230.5}, {0x0002, 229.6}, {0x0004, 230.9},
			{0x0006, 5.02}, {0x0008, 4.98}, {0x000A, 5.01},
			{0x000C, 1156.9}, {0x000E, 1143.4}, {0x0010, 1156.6},
			{0x0012, 50.0},
		} {
			dev.Preload(preset.addr, preset.value)
		}
		dev.PreloadKeyTest()
		dev.SetPolicy(transport.Policy{Timeout: cfg.Transport.Timeout, Retries: cfg.Transport.Retries})
		return dev
	}
}

func printReport(report *orchestrator.RunReport) {
	bold := color.New(color.Bold)
	pass := color.New(color.Bold, color.FgGreen)
	fail := color.New(color.Bold, color.FgRed)

	bold.Printf("\nRun finished in %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, r := range report.Reports {
		if r.State == session.StateCompleted {
			pass.Printf("  ✔ %-16s", r.Target.ID)
			fmt.Printf(" completed in %s", r.Duration.Round(time.Millisecond))
		} else {
			fail.Printf("  ✘ %-16s", r.Target.ID)
			fmt.Printf(" failed at %s: %s", r.FailedStep, r.Reason)
		}
		if r.Resumed {
			fmt.Print(" (resumed)")
		}
		fmt.Println()
	}
	for _, id := range report.Canceled {
		fmt.Printf("  - %-16s canceled before start\n", id)
	}

	if len(report.Failed) > 0 {
		logrus.Warnf("failed meters keep their progress; rerun to resume from the last completed step")
	}
}
