package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var favoritesOnly bool

var libraryCmd = &cobra.Command{
	Use:     "library",
	Aliases: []string{"list"},
	Short:   "List all manga in your library",
	Long:    "Display the manga in your library in a formatted table, most recently read first",
	Args:    cobra.NoArgs,
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		load := e.repo.LibrarySnapshot
		if favoritesOnly {
			load = e.repo.FavoritesSnapshot
		}
		mangas, err := load(ctx)
		if err != nil {
			return err
		}

		if len(mangas) == 0 {
			fmt.Println("📚 No manga in library. Use 'mangashelf search' to find manga to add.")
			return nil
		}

		columns := []table.Column{
			{Title: "Name", Width: 40},
			{Title: "ID", Width: 38},
			{Title: "Favorite", Width: 9},
			{Title: "Downloaded", Width: 11},
		}

		rows := []table.Row{}
		for _, manga := range mangas {
			downloads, err := e.repo.DownloadedChapters(ctx, manga.ID)
			if err != nil {
				return err
			}
			rows = append(rows, table.Row{
				truncateString(manga.Title, 38),
				manga.ID,
				check(manga.IsFavorite),
				fmt.Sprintf("%d", len(downloads)),
			})
		}

		fmt.Printf("\n📚 Library (%d manga)\n\n", len(mangas))
		fmt.Println(newStaticTable(columns, rows).View())
		return nil
	}),
}

var addCmd = &cobra.Command{
	Use:   "add [manga-id]",
	Short: "Add a manga to your library",
	Long:  "Fetch a manga by id and add it to your library as a favorite",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		manga, err := e.repo.Details(ctx, args[0])
		if err != nil {
			return err
		}
		if err := e.repo.AddToLibrary(ctx, &manga); err != nil {
			return err
		}
		fmt.Printf("✅ Added '%s' to library with %d chapters\n", manga.Title, len(manga.Chapters))
		fmt.Printf("💡 To download a chapter, use: mangashelf download <chapter-id> --manga %s\n", manga.ID)
		return nil
	}),
}

var removeCmd = &cobra.Command{
	Use:   "remove [manga-id]",
	Short: "Remove a manga from your library",
	Long:  "Remove a manga from your library. Manga with downloads stay listed, unfavorited.",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		if err := e.repo.RemoveFromLibrary(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("🗑️  Removed %s from library\n", args[0])
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show reading history",
	Args:  cobra.NoArgs,
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		mangas, err := e.repo.HistorySnapshot(ctx)
		if err != nil {
			return err
		}
		if len(mangas) == 0 {
			fmt.Println("📖 Nothing read yet.")
			return nil
		}

		columns := []table.Column{
			{Title: "Name", Width: 40},
			{Title: "Last read", Width: 32},
		}
		rows := []table.Row{}
		for _, manga := range mangas {
			last := "-"
			if manga.HistoryText != nil {
				last = *manga.HistoryText
			}
			rows = append(rows, table.Row{truncateString(manga.Title, 38), last})
		}
		fmt.Printf("\n📖 History (%d manga)\n\n", len(mangas))
		fmt.Println(newStaticTable(columns, rows).View())
		return nil
	}),
}

var (
	readPage  int
	readTotal int
	readTitle string
)

var readCmd = &cobra.Command{
	Use:   "read [manga-id] [chapter-id]",
	Short: "Record reading progress in a chapter",
	Args:  cobra.ExactArgs(2),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		mangaID, chapterID := args[0], args[1]

		manga, err := e.repo.Details(ctx, mangaID)
		if err != nil {
			return err
		}
		title := readTitle
		if title == "" {
			for _, ch := range manga.Chapters {
				if ch.ID == chapterID {
					title = ch.Name
				}
			}
		}
		if readTotal == 0 {
			pages, err := e.repo.ChapterPages(ctx, chapterID)
			if err != nil {
				return err
			}
			readTotal = len(pages)
		}

		manga.Chapters = nil
		if err := e.repo.UpdateLastRead(ctx, &manga); err != nil {
			return err
		}
		if err := e.repo.SaveReadingProgress(ctx, chapterID, mangaID, title, readPage, readTotal); err != nil {
			return err
		}
		fmt.Printf("📖 %s: page %d/%d saved\n", title, min(max(readPage, 0), readTotal), readTotal)
		return nil
	}),
}

func init() {
	libraryCmd.Flags().BoolVarP(&favoritesOnly, "favorites", "f", false, "Only list favorites")

	readCmd.Flags().IntVarP(&readPage, "page", "p", 0, "Page reached, starting at 0")
	readCmd.Flags().IntVarP(&readTotal, "total", "t", 0, "Pages in the chapter (default: looked up)")
	readCmd.Flags().StringVar(&readTitle, "title", "", "Chapter title shown in history (default: looked up)")

	rootCmd.AddCommand(libraryCmd, addCmd, removeCmd, historyCmd, readCmd)
}

// newStaticTable renders rows as a non-interactive table.
func newStaticTable(columns []table.Column, rows []table.Row) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(false),
		table.WithHeight(len(rows)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}
