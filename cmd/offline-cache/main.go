package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/eyojana/offline-cache"
	"github.com/eyojana/offline-cache/bgsync"
	"github.com/eyojana/offline-cache/cache"
	"github.com/eyojana/offline-cache/notify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFlag     string
	originFlag     string
	hostFlag       string
	portFlag       int
	dbFilenameFlag string
	logFileFlag    string
	verbosityFlag  int

	// this is set by goreleaser
	version string

	// resolved before any command runs
	cfg     Config
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:           "offline-cache",
	Short:         "Offline-first caching proxy with push notifications and background sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return prepare(cmd)
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "YAML config file")
	flags.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flags.StringVar(&logFileFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flags.CountVarP(&verbosityFlag, "verbose", "v", "Verbosity: -v for debug, -vv for trace logging")

	serveCmd.Flags().StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "Hostname of origin")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on")

	cachesCmd.AddCommand(cachesListCmd, cachesPurgeCmd)
	syncCmd.AddCommand(syncListCmd)
	rootCmd.AddCommand(serveCmd, cachesCmd, syncCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		log.Error().Err(err).Msg("Exiting")
	}
	closeLogFile()
	if err != nil {
		os.Exit(1)
	}
}

// prepare resolves the config and sets up logging with the resulting log file.
func prepare(cmd *cobra.Command) error {
	var err error
	if cfg, err = config(cmd); err != nil {
		return err
	}
	logFile, err = setupLogging(verbosityFlag, cfg.LogFile)
	return err
}

func closeLogFile() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// setupLogging points the global logger at stdout and, if given, the log file.
// The returned file is nil without a log file.
func setupLogging(verbosity int, logFilename string) (*os.File, error) {
	logLevel := zerolog.InfoLevel
	switch {
	case verbosity >= 2:
		logLevel = zerolog.TraceLevel
	case verbosity == 1:
		logLevel = zerolog.DebugLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	var logFileOutput *os.File
	if logFilename != "" {
		var err error
		logFileOutput, err = os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return logFileOutput, nil
}

// config loads the config file and applies the flags given on the command line.
func config(cmd *cobra.Command) (Config, error) {
	cfg, err := loadConfig(configFlag)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("origin") {
		cfg.Origin = originFlag
	}
	if flags.Changed("host") {
		cfg.Host = hostFlag
	}
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("db") {
		cfg.DB = dbFilenameFlag
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFileFlag
	}
	return cfg, nil
}

func openStorage(cfg Config) (*cache.Storage, cache.SQLiteCache, error) {
	provider, err := cache.NewSQLiteCache(cfg.dbFilename())
	if err != nil {
		return nil, provider, fmt.Errorf("open cache db: %w", err)
	}
	return cache.NewStorage(provider), provider, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		originURL, err := cfg.originURL()
		if err != nil {
			return err
		}

		storage, provider, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer provider.Close()
		queue, err := bgsync.NewSQLiteQueue(cfg.dbFilename())
		if err != nil {
			return fmt.Errorf("open sync db: %w", err)
		}
		defer queue.Close()

		network := offlinecache.NewOriginFetcher(originURL, cfg.Host)
		center := notify.NewCenter(notify.ParsePermission(cfg.Notifications.Permission), &log.Logger)
		worker := offlinecache.CreateWorker(offlinecache.Config{
			Storage:                    storage,
			OriginURL:                  originURL,
			OriginHost:                 cfg.Host,
			Network:                    network,
			Logger:                     &log.Logger,
			Generation:                 cfg.Generation,
			StaticCacheName:            cfg.StaticCache,
			DynamicCacheName:           cfg.DynamicCache,
			Manifest:                   cfg.Manifest,
			OfflinePage:                cfg.OfflinePage,
			StoreErrorResponses:        cfg.StoreErrorResponses,
			Notifier:                   center,
			Windows:                    &notify.CommandOpener{Command: cfg.Notifications.OpenCommand, Logger: &log.Logger},
			AllowCrossOriginNavigation: cfg.Notifications.AllowCrossOrigin,
			SyncTag:                    cfg.Sync.Tag,
			SyncEndpoint:               cfg.Sync.Endpoint,
		})
		host := offlinecache.NewHost(offlinecache.HostConfig{
			Network:         network,
			Logger:          &log.Logger,
			Notifications:   center,
			SyncQueue:       queue,
			SyncInterval:    cfg.Sync.Interval,
			SyncMaxAttempts: cfg.Sync.MaxAttempts,
			SyncBackoff:     cfg.Sync.Backoff,
			InstallAttempts: cfg.InstallAttempts,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: host,
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, originURL.String(), cfg.Host)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			// requests pass through to the origin until the worker is active
			if err := host.Register(gctx, worker); err != nil {
				log.Error().Err(err).Msg("Could not install worker, passing requests through")
			}
			return nil
		})
		g.Go(func() error {
			if err := host.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "Inspect and manage cache stores",
}

var cachesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache stores and their entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, provider, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer provider.Close()

		names, err := storage.Names()
		if err != nil {
			return err
		}
		for _, name := range names {
			keys, err := storage.Handle(name).Keys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", name, len(keys))
		}
		return nil
	},
}

var cachesPurgeCmd = &cobra.Command{
	Use:   "purge [name...]",
	Short: "Delete the named cache stores, or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, provider, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer provider.Close()

		names := args
		if len(names) == 0 {
			if names, err = storage.Names(); err != nil {
				return err
			}
		}
		for _, name := range names {
			deleted, err := storage.Delete(name)
			if err != nil {
				return err
			}
			if !deleted {
				log.Warn().Str("cache", name).Msg("No such cache")
				continue
			}
			log.Info().Str("cache", name).Msg("Deleted cache")
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect background sync tasks",
}

var syncListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending sync tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := bgsync.NewSQLiteQueue(cfg.dbFilename())
		if err != nil {
			return err
		}
		defer queue.Close()

		tasks, err := queue.All()
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tattempts=%d\tnext=%s\t%s\n",
				task.Tag, task.Attempts, task.NextAttempt.Format(time.RFC3339), task.LastError)
		}
		return nil
	},
}
