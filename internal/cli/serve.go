package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/keyproxy/internal/control"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := control.NewService(cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("keyproxy starting", "config", cfgPath, "port", cfg.Server.Port, "upstream", cfg.Proxy.UpstreamURL)
	if err := app.Run(ctx); err != nil {
		slog.Error("Service failed", "error", err)
		return err
	}
	slog.Info("keyproxy stopped gracefully")
	return nil
}
