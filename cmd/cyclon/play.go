package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cyclon/internal/config"
	"cyclon/internal/events"
	"cyclon/internal/graph"
	"cyclon/internal/jobrunner"
	"cyclon/internal/logging"
	"cyclon/internal/observability"
	"cyclon/internal/scheduler"
	"cyclon/internal/server"
	"cyclon/internal/store"
)

func newPlayCommand() *cobra.Command {
	var (
		configPath string
		runDir     string
		bindAddr   string
		restart    bool
		simulation bool
		simRuntime time.Duration
	)

	cmd := &cobra.Command{
		Use:   "play <workflow.yaml>",
		Short: "Run a workflow to its final cycle point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if runDir != "" {
				settings.RunDir = runDir
			}
			if bindAddr != "" {
				settings.BindAddr = bindAddr
			}
			level, err := logging.ParseLevel(settings.LogLevel)
			if err != nil {
				return err
			}
			logging.SetDefaultLevel(level)

			wf, err := graph.Load(args[0])
			if err != nil {
				return err
			}

			logger := logging.NewComponentLogger("scheduler", logging.WithColor(color.FgCyan))
			runStore, err := store.NewFileStore(settings.RunDir, logging.NewComponentLogger("store"))
			if err != nil {
				return err
			}
			metrics := observability.NewMetrics()

			var sched *scheduler.Scheduler
			var runner jobrunner.Runner
			if simulation {
				runner = jobrunner.NewSimRunner(clock.New(), simRuntime,
					func(taskID string, submitNum int, severity, text string) {
						sched.Deliver(events.Message{
							TaskID:    taskID,
							SubmitNum: submitNum,
							Severity:  events.ParseSeverity(severity),
							Text:      text,
							EventTime: time.Now().UTC(),
						})
					}, logging.NewComponentLogger("simulator"))
			} else {
				runner = jobrunner.NewProcessRunner(jobrunner.NewRegistry(), settings.RunDir,
					settings.CommandTimeout, logging.NewComponentLogger("jobrunner"))
			}

			sched, err = scheduler.New(scheduler.Options{
				Workflow:           wf,
				Runner:             runner,
				Store:              runStore,
				Logger:             logger,
				Metrics:            metrics,
				TickInterval:       settings.TickInterval,
				EventBatchSize:     settings.EventBatchSize,
				CheckpointInterval: settings.CheckpointInterval,
				WorkerCount:        settings.WorkerCount,
				ServerURL:          "http://" + settings.BindAddr,
				Restart:            restart,
			})
			if err != nil {
				return err
			}

			srv := server.New(sched, metrics, logging.NewComponentLogger("server"))
			if _, err := srv.Start(settings.BindAddr); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				if err := sched.Run(ctx); err != nil {
					logger.Error("run finished with error: %v", err)
				}
			}()

			// First interrupt asks for a clean stop; a second forces it.
			signals := make(chan os.Signal, 2)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-signals
				logger.Warn("interrupt: stopping cleanly (interrupt again to force)")
				_ = sched.StopClean()
				<-signals
				logger.Warn("second interrupt: stopping now")
				_ = sched.StopNow()
			}()

			<-sched.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			return sched.Err()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "engine settings file")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "override the run directory")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "override the server bind address")
	cmd.Flags().BoolVar(&restart, "restart", false, "restore state from the run log before scheduling")
	cmd.Flags().BoolVar(&simulation, "simulation", false, "run no real jobs; simulate completions")
	cmd.Flags().DurationVar(&simRuntime, "sim-runtime", 2*time.Second, "simulated job runtime")
	return cmd
}
