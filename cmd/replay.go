package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/replay"
)

// newReplayCmd creates and configures the 'replay' subcommand.
func newReplayCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "replay <path>",
		Short: "Serve an archive through a local web server",
		Long: `Serves a previously captured archive over HTTP. Pages are rewritten on
the fly so every archived link and sub-resource resolves locally; anything
outside the archive is answered with a clear 404.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			flags := cmd.Flags()
			if !flags.Changed("host") {
				host = cfg.Replay.Host
			}
			if !flags.Changed("port") {
				port = cfg.Replay.Port
			}

			srv, err := replay.NewServer(args[0], logger)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}

			addr := net.JoinHostPort(host, strconv.Itoa(port))
			if err := srv.Start(addr); err != nil {
				return fmt.Errorf("start replay server: %w", err)
			}
			logger.Info("Replay server listening",
				zap.String("addr", "http://"+srv.Addr()),
				zap.String("archive", args[0]))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("stop replay server: %w", err)
			}
			logger.Info("Replay server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address to bind")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")

	return cmd
}
