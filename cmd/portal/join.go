package main

import (
	"github.com/openmined/portal/internal/session"
	"github.com/openmined/portal/internal/tui"
	"github.com/spf13/cobra"
)

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <key>",
		Short: "Join a session and download its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.SessionKey = args[0]
			cmd.SilenceUsage = true

			closeLog, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			rr := tui.NewRerenderer()
			s, err := session.Join(cmd.Context(), cfg, cfg.SessionKey, session.WithRerender(rr.Notify))
			if err != nil {
				return err
			}
			defer s.Close()

			return runSession(cmd.Context(), cmd, cfg, s, rr)
		},
	}
}
