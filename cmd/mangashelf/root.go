package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kerbaras/mangashelf/pkg/config"
	"github.com/kerbaras/mangashelf/pkg/data"
	"github.com/kerbaras/mangashelf/pkg/services"
	"github.com/kerbaras/mangashelf/pkg/sources"
	"github.com/kerbaras/mangashelf/pkg/utils"
)

// updateVisibility is the lease held by whoever runs the update scan.
const updateVisibility = time.Hour

var (
	configPath string
	dataDir    string
	logLevel   string

	// logToFile sends logs to <data-dir>/mangashelf.log, for commands that
	// own the terminal.
	logToFile bool
)

var rootCmd = &cobra.Command{
	Use:   "mangashelf",
	Short: "A manga library and reader backend",
	Long: `Browse MangaDex and KomikCast, keep a library with reading progress,
download chapters for offline reading and get notified about new chapters.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.mangashelf)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything a command needs, built from the loaded config.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *data.Store
	registry *sources.Registry
	api      *utils.API
	queue    *data.Queue
	repo     *services.Repository
	logFile  *os.File
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func newEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	var logFile *os.File
	var logOut io.Writer = os.Stderr
	if logToFile {
		logFile, err = os.OpenFile(filepath.Join(cfg.DataDir, "mangashelf.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logOut = logFile
	}
	logger := cfg.NewLogger(logOut)
	slog.SetDefault(logger)

	store, err := data.Open(ctx, cfg.Store.Driver, cfg.StorePath(), logger)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	httpOpts := utils.Options{
		Timeout:    cfg.HTTP.Timeout,
		RetryCount: cfg.HTTP.RetryCount,
		RetryWait:  cfg.HTTP.RetryWait,
		Logger:     logger,
	}
	mangadex := sources.NewMangaDex(sources.MangaDexConfig{
		BaseURL:    cfg.MangaDex.BaseURL,
		UploadsURL: cfg.MangaDex.UploadsURL,
		Languages:  cfg.MangaDex.Languages,
		HTTP:       httpOpts,
		Logger:     logger,
	})
	komikcast := sources.NewKomikCast(sources.KomikCastConfig{
		BaseURL:   cfg.KomikCast.BaseURL,
		UserAgent: cfg.KomikCast.UserAgent,
		HTTP:      httpOpts,
		Logger:    logger,
	})
	registry := sources.NewRegistry(mangadex).Register(sources.KomikCastPrefix, komikcast)

	queue := store.Queue(data.QueueOptions{
		Name:        services.DownloadQueueName,
		Visibility:  cfg.Downloads.Visibility,
		MaxAttempts: cfg.Downloads.MaxAttempts,
		Logger:      logger,
	})

	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		api:      utils.NewAPIWithOptions(httpOpts),
		queue:    queue,
		repo:     services.NewRepository(registry, store, queue, cfg.DataDir, logger),
		logFile:  logFile,
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store: close failed", "error", err)
	}
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func (e *env) downloader() *services.Downloader {
	return services.NewDownloader(e.registry, e.store, e.api, e.cfg.DataDir, e.cfg.Downloads.PageDelay, e.logger)
}

func (e *env) scheduler(notifier services.Notifier) *services.Scheduler {
	queue := e.store.Queue(data.QueueOptions{
		Name:       services.UpdateQueueName,
		Visibility: updateVisibility,
		Logger:     e.logger,
	})
	checker := services.NewUpdateChecker(e.registry, e.store, notifier, e.logger)
	return services.NewScheduler(queue, checker, e.cfg.Updates.Interval, e.cfg.Updates.RetryDelay, e.logger)
}

// withEnv runs fn with a fresh env bound to a context cancelled on
// interrupt. Errors are reported with their user-facing message.
func withEnv(fn func(ctx context.Context, e *env, args []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := newEnv(ctx)
		cobra.CheckErr(err)

		err = fn(ctx, e, args)
		e.Close()
		if err != nil {
			cobra.CheckErr(services.Message(err))
		}
	}
}
