package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func newSleepCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sleep",
		Short: "Do nothing but sleep, for container debugging",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := commandLogger(baseLogger, "cli.sleep")
			seconds := viper.GetInt("sleep-seconds")

			if seconds > 0 {
				logger.Info("sleeping", "seconds", seconds)
				select {
				case <-time.After(time.Duration(seconds) * time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			for {
				logger.Info("sleeping infinitely")
				select {
				case <-time.After(time.Hour):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
	cmd.Flags().Int("sleep-seconds", 0, "sleep time in seconds (0 = forever)")
	bindFlags(cmd)
	return cmd
}
