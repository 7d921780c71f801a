package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kerbaras/mangashelf/pkg/app/styles"
	"github.com/kerbaras/mangashelf/pkg/data"
)

var popularCmd = &cobra.Command{
	Use:   "popular",
	Short: "List popular manga",
	Long:  "List popular manga from MangaDex, optionally filtered by genre",
	Args:  cobra.NoArgs,
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		mangas, err := e.repo.Popular(ctx, popularPage, popularGenre)
		if err != nil {
			return err
		}
		if len(mangas) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		fmt.Println(mangaTable(mangas))
		return nil
	}),
}

var (
	popularPage  int
	popularGenre string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search for manga",
	Long:  "Search every source for manga and display results in a table",
	Args:  cobra.MinimumNArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		query := strings.Join(args, " ")
		results, err := e.repo.Search(ctx, query)
		if err != nil {
			return err
		}
		fmt.Println(mangaTable(results))
		return nil
	}),
}

var detailsCmd = &cobra.Command{
	Use:   "details [manga-id]",
	Short: "Show a manga with its chapters and reading progress",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		manga, err := e.repo.Details(ctx, args[0])
		if err != nil {
			return err
		}
		downloads, err := e.repo.DownloadedChapters(ctx, manga.ID)
		if err != nil {
			return err
		}
		downloaded := make(map[string]bool, len(downloads))
		for _, rec := range downloads {
			downloaded[rec.ChapterID] = true
		}

		fmt.Println(styles.TitleStyle.Render(manga.Title))
		if manga.Author != "" {
			fmt.Println(styles.SubtitleStyle.Render("by " + manga.Author))
		}
		if len(manga.Genres) > 0 {
			fmt.Println(styles.MutedStyle.Render(strings.Join(manga.Genres, ", ")))
		}
		if manga.Description != "" {
			fmt.Println(styles.TextStyle.Width(80).Render(manga.Description))
		}
		favorite := ""
		if manga.IsFavorite {
			favorite = " • ⭐ in library"
		}
		fmt.Printf("\n📖 %d chapters • %d%% read%s\n\n", len(manga.Chapters), manga.TotalProgress, favorite)

		t := newTable().Headers("#", "Chapter", "ID", "Progress", "Offline")
		for i, ch := range manga.Chapters {
			t.Row(fmt.Sprintf("%d", i+1), truncateString(ch.Name, 40), ch.ID, chapterProgress(ch), check(downloaded[ch.ID]))
		}
		fmt.Println(t)
		return nil
	}),
}

var pagesCmd = &cobra.Command{
	Use:   "pages [chapter-id]",
	Short: "List the page images of a chapter",
	Long:  "List the page images of a chapter. Downloaded chapters are read from disk.",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		pages, err := e.repo.ChapterPages(ctx, args[0])
		if err != nil {
			return err
		}
		for _, p := range pages {
			fmt.Printf("%3d  %s\n", p.Index+1, p.ImageURL)
		}
		return nil
	}),
}

var chapterCmd = &cobra.Command{
	Use:   "chapter [chapter-id]",
	Short: "Show chapter metadata",
	Args:  cobra.ExactArgs(1),
	Run: withEnv(func(ctx context.Context, e *env, args []string) error {
		ch, err := e.repo.ChapterMeta(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n  id:    %s\n  manga: %s\n", ch.Name, ch.ID, ch.MangaID)
		if ch.URL != "" {
			fmt.Printf("  url:   %s\n", ch.URL)
		}
		return nil
	}),
}

func init() {
	popularCmd.Flags().IntVarP(&popularPage, "page", "p", 1, "Result page, starting at 1")
	popularCmd.Flags().StringVarP(&popularGenre, "genre", "g", "", "Only list manga of this genre")

	rootCmd.AddCommand(popularCmd, searchCmd, detailsCmd, pagesCmd, chapterCmd)
}

func newTable() *table.Table {
	var (
		purple = lipgloss.Color("99")

		headerStyle = lipgloss.NewStyle().Foreground(purple).Bold(true).Align(lipgloss.Center)
		cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	)

	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(purple)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			default:
				return cellStyle
			}
		})
}

func mangaTable(mangas []data.Manga) *table.Table {
	t := newTable().Headers("#", "Name", "ID")
	for i, manga := range mangas {
		t.Row(fmt.Sprintf("%d", i+1), truncateString(manga.Title, 58), manga.ID)
	}
	return t
}

func chapterProgress(ch data.Chapter) string {
	switch {
	case ch.IsRead:
		return "read"
	case ch.TotalPages > 0:
		return fmt.Sprintf("%d/%d", ch.LastPageRead, ch.TotalPages)
	}
	return ""
}

func check(ok bool) string {
	if ok {
		return "✓"
	}
	return ""
}

func truncateString(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
