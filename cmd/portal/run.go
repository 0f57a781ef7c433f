package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/openmined/portal/internal/config"
	"github.com/openmined/portal/internal/controlplane"
	"github.com/openmined/portal/internal/registry"
	"github.com/openmined/portal/internal/session"
	"github.com/openmined/portal/internal/tui"
	"github.com/openmined/portal/internal/version"
	"github.com/spf13/cobra"
)

const logLenTimeout = 2 * time.Second

// runSession serves s until ctx is done or the user quits the interactive view.
func runSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config, s *session.Session, rr *tui.Rerenderer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.HTTPAddr != "" {
		srv := controlplane.NewServer(ctx, s, &controlplane.Config{
			Addr:  cfg.HTTPAddr,
			Token: cfg.HTTPToken,
			Role:  string(s.Role()),
		})
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("control plane", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	if cfg.NoTUI {
		return runHeadless(ctx, cmd, s)
	}

	err := tui.Run(&tui.Opts{
		Title:    version.AppName,
		Role:     string(s.Role()),
		Key:      s.Key(),
		Dir:      s.Dir(),
		FullTree: cfg.FullTree,
		Tree:     s.Tree,
		Errors:   s.Errors,
		Ready:    s.IsReady,
		LogLen: func() (int, error) {
			lctx, cancel := context.WithTimeout(ctx, logLenTimeout)
			defer cancel()
			return s.LogLen(lctx)
		},
		OnSync:     func() []*registry.Transfer { return s.Sync(ctx) },
		OnDownload: func() []*registry.Transfer { return s.Download(ctx) },
		Stats:      s.TransferStats,
		Renders:    rr.C(),
	}, tea.WithContext(ctx), tea.WithAltScreen())
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func runHeadless(ctx context.Context, cmd *cobra.Command, s *session.Session) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", cyan.Bold(true).Render(version.AppName), gray.Render(string(s.Role())))
	fmt.Fprintf(out, "%s %s\n", gray.Render("key"), s.Key())
	fmt.Fprintf(out, "%s %s\n", gray.Render("dir"), s.Dir())
	if s.Role() == session.RoleHost {
		fmt.Fprintf(out, "\nJoin with: %s\n\n", green.Render("portal join "+s.Key()))
	}

	select {
	case <-s.Ready():
		slog.Info("session ready", "entries", s.Size())
	case <-ctx.Done():
		return nil
	}

	select {
	case <-s.Settled():
		slog.Info("initial transfer settled", "entries", s.Size(), "errors", len(s.Errors()))
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()
	slog.Info("Bye!")
	return nil
}
