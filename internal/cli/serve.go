package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spawner/orchestrator/internal/ipc"
	"github.com/spawner/orchestrator/internal/logging"
	"github.com/spawner/orchestrator/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		listen  string
		restore string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session HTTP API",
		Long: `Open a session from the config and expose it over HTTP: start and
step workflows, check gates, drive teams, and follow the event stream at
/api/v1/events/stream. The watchdog runs while the server is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.ListenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var opts []session.Option
			if restore != "" {
				opts = append(opts, session.WithID(restore))
			}
			rt, err := session.Open(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer rt.Close()
			if restore != "" {
				if err := rt.RestoreEvents(ctx); err != nil {
					return err
				}
			}
			rt.Run(ctx)

			logger := logging.WithModule("serve")
			srv := ipc.NewServer(ipc.NewHandler(rt.Session), listen)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			logger.Info("session API listening", "url", ipc.FormatListenURL(listen), "session", rt.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "spawner listening on %s (session %s)\n", ipc.FormatListenURL(listen), rt.ID)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown", "error", err)
			}
			return rt.FlushEvents(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default listen_addr from the config)")
	cmd.Flags().StringVar(&restore, "session", "", "continue the persisted event log of this session id")
	return cmd
}
