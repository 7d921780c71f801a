package cmd

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/bubbles/table"
	"github.com/spf13/cobra"

	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/integrations"
)

var (
	downloadMangaID string
	downloadName    string
)

var downloadCmd = &cobra.Command{
	Use:   "download [chapter-id...]",
	Short: "Queue chapters for download",
	Long: `Queue chapters for offline reading. Jobs are stored durably and processed
by 'mangashelf worker', which may run now or later.`,
	Args: cobra.MinimumNArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		for _, id := range args {
			ch := data.Chapter{ID: id, MangaID: downloadMangaID, Name: downloadName}
			if ch.MangaID == "" || ch.Name == "" {
				meta, err := e.repo.ChapterMeta(ctx, id)
				if err != nil {
					return err
				}
				ch.MangaID = cmp.Or(ch.MangaID, meta.MangaID)
				ch.Name = cmp.Or(ch.Name, meta.Name)
			}
			jobID, err := e.repo.EnqueueDownload(ctx, ch)
			if err != nil {
				return err
			}
			fmt.Printf("📥 Queued %s (job %s)\n", cmp.Or(ch.Name, ch.ID), jobID)
		}
		pending, err := e.repo.PendingDownloads(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("💡 %d jobs waiting. Run 'mangashelf worker' to process the queue.\n", pending)
		return nil
	}),
}

var downloadsCmd = &cobra.Command{
	Use:   "downloads [manga-id]",
	Short: "List downloaded chapters of a manga",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		recs, err := e.repo.DownloadedChapters(ctx, args[0])
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("📂 No downloaded chapters.")
			return nil
		}

		columns := []table.Column{
			{Title: "Chapter", Width: 32},
			{Title: "ID", Width: 38},
			{Title: "Downloaded", Width: 17},
		}
		rows := []table.Row{}
		for _, rec := range recs {
			rows = append(rows, table.Row{
				truncateString(rec.ChapterName, 30),
				rec.ChapterID,
				rec.DownloadedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Printf("\n📂 %d chapters in %s\n\n", len(recs), filepath.Join(e.repo.DownloadsDir(), args[0]))
		fmt.Println(newStaticTable(columns, rows).View())
		return nil
	}),
}

var deleteDownloadCmd = &cobra.Command{
	Use:   "delete-download [chapter-id]",
	Short: "Delete a downloaded chapter from disk",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		if err := e.repo.RemoveDownload(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("🗑️  Deleted chapter %s\n", args[0])
		return nil
	}),
}

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export [manga-id]",
	Short: "Compile downloaded chapters into an EPUB",
	Long:  "Compile every downloaded chapter of a manga, in reading order, into a single EPUB file.",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		manga, err := e.repo.Details(ctx, args[0])
		if err != nil {
			return err
		}
		recs, err := e.repo.DownloadedChapters(ctx, manga.ID)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return fmt.Errorf("no downloaded chapters for %s, use 'mangashelf download' first", manga.Title)
		}

		output := exportOutput
		if output == "" {
			output = filepath.Join(e.cfg.DataDir, "exports")
		}
		var exporter integrations.Exporter = integrations.NewEPubBuilder(output, e.logger)

		fmt.Printf("📚 Compiling %d chapters of '%s'...\n", len(recs), manga.Title)
		path, err := exporter.Export(manga, integrations.ChaptersFromDownloads(e.cfg.DataDir, recs, manga.Chapters))
		if err != nil {
			return fmt.Errorf("EPUB generation failed: %w", err)
		}
		fmt.Printf("📖 EPUB created: %s\n", path)
		return nil
	}),
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadMangaID, "manga", "m", "", "Manga id of the chapters (default: looked up)")
	downloadCmd.Flags().StringVarP(&downloadName, "name", "n", "", "Chapter name (default: looked up)")

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output directory (default <data-dir>/exports)")

	rootCmd.AddCommand(downloadCmd, downloadsCmd, deleteDownloadCmd, exportCmd)
}
