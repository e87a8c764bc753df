package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"audio-converter/internal/app"
	"audio-converter/internal/config"
	"audio-converter/internal/tasklock"
)

func newRootCommand() *cobra.Command {
	var (
		configFlag string
		daemon     bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Reclaim stale working files and expired audio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configFlag)
			if err != nil {
				return err
			}
			logger, closeLog, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			objects, err := app.BuildStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			locks, err := tasklock.New(cfg.Paths.LockDir)
			if err != nil {
				return err
			}
			publisher := app.NewPublisher(cfg, store, objects, logger)
			sweeper := app.NewSweeper(cfg, store, locks, publisher, logger)

			if daemon {
				if interval <= 0 {
					interval = cfg.Sweep.Interval
				}
				logger.Infof("sweeping every %s", interval)
				return sweeper.RunDaemon(ctx, interval)
			}

			report, err := sweeper.Run(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Keep running and sweep on an interval")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Sweep interval in daemon mode (defaults to sweep.interval)")
	return cmd
}
