package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kerbaras/mangashelf/pkg/app"
	"github.com/kerbaras/mangashelf/pkg/app/styles"
	"github.com/kerbaras/mangashelf/pkg/services"
)

var (
	workerMonitor   bool
	workerOnce      bool
	workerNoUpdates bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued downloads and check for new chapters",
	Long: `Run the download consumers and the periodic update check until interrupted.
Several workers may share a data directory; each job is processed by one of them.`,
	Args: cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		logToFile = workerMonitor
	},
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		d := e.downloader()
		worker := services.NewDownloadWorker(e.queue, d, e.cfg.Downloads.Workers, e.logger)

		if workerOnce {
			done := make(chan struct{})
			go func() {
				defer close(done)
				printProgress(d.GetProgressChannel())
			}()
			worker.Drain(ctx)
			d.Close()
			<-done
			return nil
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)
		runBackground(ctx, g, e, worker, d, !workerNoUpdates)

		if workerMonitor {
			g.Go(func() error {
				// quitting the monitor stops the worker
				defer cancel()
				return app.NewMonitor(d.GetProgressChannel()).Run(ctx)
			})
		} else {
			go printProgress(d.GetProgressChannel())
		}
		return g.Wait()
	}),
}

var updateCheckCmd = &cobra.Command{
	Use:   "update-check",
	Short: "Check favorites for new chapters now",
	Args:  cobra.NoArgs,
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		checker := services.NewUpdateChecker(e.registry, e.store, e.notifier(), e.logger)
		result, err := checker.Check(ctx)
		if err != nil {
			return err
		}
		if result.Updated() == 0 {
			fmt.Printf("✅ Checked %d favorites, no new chapters.\n", result.Checked)
		}
		return nil
	}),
}

func init() {
	workerCmd.Flags().BoolVar(&workerMonitor, "monitor", false, "Show live download progress")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Process the queued downloads once and exit")
	workerCmd.Flags().BoolVar(&workerNoUpdates, "no-updates", false, "Do not run the periodic update check")

	rootCmd.AddCommand(workerCmd, updateCheckCmd)
}

// runBackground starts the download consumers, and the update scheduler
// when updates is set, on g. The downloader is closed once the consumers
// stop.
func runBackground(ctx context.Context, g *errgroup.Group, e *env, worker *services.DownloadWorker, d *services.Downloader, updates bool) {
	g.Go(func() error {
		defer d.Close()
		worker.Run(ctx)
		return nil
	})
	if updates {
		sched := e.scheduler(e.notifier())
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}
}

// notifier shows notifications on the console and in the log.
func (e *env) notifier() services.Notifier {
	console := services.NotifierFunc(func(ctx context.Context, n services.Notification) error {
		card := styles.TitleStyle.Render("🔔 "+n.Title) + "\n" + styles.TextStyle.Render(n.Body)
		fmt.Println(styles.CardStyle.Render(card))
		return nil
	})
	if logToFile {
		return services.LogNotifier{Logger: e.logger}
	}
	return services.MultiNotifier{console, services.LogNotifier{Logger: e.logger}}
}

func printProgress(events <-chan services.DownloadProgress) {
	for p := range events {
		switch p.Status {
		case services.StatusDownloading:
			if p.TotalPages > 0 {
				fmt.Printf("  %s: %d/%d pages\n", p.ChapterName, p.CurrentPage, p.TotalPages)
			}
		case services.StatusError:
			fmt.Println(styles.StatusStyle(p.Status).Render(fmt.Sprintf("  %s: %v", p.ChapterName, p.Error)))
		default:
			fmt.Println(styles.StatusStyle(p.Status).Render(fmt.Sprintf("  %s: %s", p.ChapterName, p.Status)))
		}
	}
}
