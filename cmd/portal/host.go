package main

import (
	"github.com/openmined/portal/internal/session"
	"github.com/openmined/portal/internal/tui"
	"github.com/spf13/cobra"
)

func newHostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Share a local directory as a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			rr := tui.NewRerenderer()
			s, err := session.Host(cmd.Context(), cfg, session.WithRerender(rr.Notify))
			if err != nil {
				return err
			}
			defer s.Close()

			return runSession(cmd.Context(), cmd, cfg, s, rr)
		},
	}
}
