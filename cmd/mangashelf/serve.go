package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kerbaras/mangashelf/pkg/api"
	"github.com/kerbaras/mangashelf/pkg/services"
)

var (
	serveAddr   string
	serveWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the library over HTTP",
	Long: `Serve the library, reading progress and downloads as a JSON API, with
server-sent events for the library, favorites and history views.`,
	Args: cobra.NoArgs,
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		addr := serveAddr
		if addr == "" {
			addr = e.cfg.Server.Addr
		}

		g, ctx := errgroup.WithContext(ctx)
		if serveWorker {
			d := e.downloader()
			worker := services.NewDownloadWorker(e.queue, d, e.cfg.Downloads.Workers, e.logger)
			runBackground(ctx, g, e, worker, d, true)
		}

		fmt.Printf("🌐 Serving on %s\n", addr)
		g.Go(func() error {
			return api.NewServer(e.repo, e.logger).ListenAndServe(ctx, addr)
		})
		return g.Wait()
	}),
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "Also process downloads and update checks")

	rootCmd.AddCommand(serveCmd)
}
