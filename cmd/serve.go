package cmd

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"debridfetch/internal"
	"debridfetch/resolver"
	"debridfetch/server"
	"debridfetch/store"
)

// tokenCheckInterval is how often serve renews token credentials that are about to expire
const tokenCheckInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the resolver over HTTP",
	Long: `Run the HTTP API.

Endpoints:
  POST   /api/v1/resolve    {"provider","source","quality","wait"}
  GET    /api/v1/jobs/{id}  job state, progress and result
  DELETE /api/v1/jobs/{id}  cancel a job
  GET    /healthz
  GET    /metrics           Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		r := resolver.New(a.registry, a.creds,
			resolver.WithLogger(a.logger),
			resolver.WithMetrics(resolver.NewMetrics(prometheus.DefaultRegisterer)),
			resolver.WithHints(store.NewHintCache(config.HintSize, config.HintTTL)),
		)
		srv := server.New(config.ServerAddr, r, resolver.PolicyFromConfig(config), server.WithLogger(a.logger))

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(gCtx)
		})
		g.Go(func() error {
			keepTokensFresh(gCtx, a)
			return nil
		})

		if err := g.Wait(); err != nil {
			internal.LogError("Server stopped: %v", err)
			return err
		}
		internal.LogInfo("Server stopped")
		return nil
	},
}

// keepTokensFresh renews expiring token credentials so requests rarely pay for a refresh
func keepTokensFresh(ctx context.Context, a *app) {
	ticker := time.NewTicker(tokenCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range a.registry.IDs() {
				c, err := a.creds.Get(ctx, id)
				if err != nil || !c.CanRefresh() {
					continue
				}
				if _, err := a.creds.Current(ctx, id); err != nil {
					a.logger.Warn("Background refresh of %s credentials failed: %v", id, err)
				}
			}
		}
	}
}

func init() {
	serveCmd.Flags().String("addr", internal.DefaultConfig().ServerAddr, "Listen address for the HTTP API")
}
