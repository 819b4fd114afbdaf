package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openfinch/mail-server/internal/config"
	"github.com/openfinch/mail-server/internal/directory"
)

const shutdownTimeout = 5 * time.Second

func (a *app) newMetricsCmd() *cobra.Command {
	var (
		listen string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve cache and pool metrics for every directory",
		Long: "Open every configured directory and export their cache and connection pool " +
			"statistics in the Prometheus text format until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := config.Load(a.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := a.open(ctx, f)
			if err != nil {
				return err
			}
			defer p.Close()

			mux := http.NewServeMux()
			mux.Handle(path, metricsHandler(p.Stats))

			server := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				tflog.Info(ctx, "Shutting down metrics server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					tflog.Warn(ctx, "Error shutting down metrics server", map[string]any{"error": err.Error()})
				}
			}()

			tflog.Info(ctx, "Serving metrics", map[string]any{
				"address":     listen,
				"path":        path,
				"directories": p.IDs(),
			})
			fmt.Fprintf(a.out, "serving metrics on http://%s%s\n", listen, path)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9327", "Listen address")
	cmd.Flags().StringVar(&path, "path", "/metrics", "HTTP path")
	return cmd
}

// metricsHandler serves the directory collector next to the Go runtime
// collectors from a private registry.
func metricsHandler(stats directory.StatsFunc) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		directory.NewCollector(stats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
