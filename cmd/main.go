// Package main is the entry point for the guide service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/savid/iptvguide/internal/cache"
	"github.com/savid/iptvguide/internal/config"
	"github.com/savid/iptvguide/internal/data"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/guide"
	"github.com/savid/iptvguide/internal/kv"
	"github.com/savid/iptvguide/internal/metrics"
	"github.com/savid/iptvguide/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg        = config.DefaultConfig()
	configPath string
	log        = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iptvguide",
		Short: "EPG ingestion and channel matching service",
		Long: `Fetches per-country XMLTV guides, caches the parsed result and matches
guide channels against a live channel list.`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file; flags override its values")

	// Guide source flags
	rootCmd.Flags().StringVar(&cfg.Countries, "countries", cfg.Countries, "Comma-separated country codes (e.g. GB,US)")
	rootCmd.Flags().StringVar(&cfg.GuideURLTemplate, "guide-url", cfg.GuideURLTemplate,
		"Guide URL template, "+config.CountryPlaceholder+" is replaced by the country code")
	rootCmd.Flags().StringVar(&cfg.ChannelsFile, "channels", cfg.ChannelsFile, "JSON file of live channels to match on start")

	// Server flags
	rootCmd.Flags().StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Bind address")
	rootCmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Port number")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	// Ingestion flags
	rootCmd.Flags().DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "How long parsed guide data stays fresh")
	rootCmd.Flags().DurationVar(&cfg.HoursAhead, "hours-ahead", cfg.HoursAhead, "How far ahead programmes are kept")
	rootCmd.Flags().DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "Timeout for one guide download")
	rootCmd.Flags().IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Countries fetched in parallel")
	rootCmd.Flags().StringVar(&cfg.ParserBackend, "parser", cfg.ParserBackend, "XMLTV parser backend (scan, xml)")
	rootCmd.Flags().BoolVar(&cfg.HonorTimezone, "honor-timezone", cfg.HonorTimezone, "Apply XMLTV timestamp offsets")
	rootCmd.Flags().DurationVar(&cfg.RefreshInterval, "refresh", cfg.RefreshInterval, "Guide refresh interval, 0 disables")

	// Storage flags
	rootCmd.Flags().StringVar(&cfg.Store, "store", cfg.Store, "Cache store (memory, file, badger, redis, sqlite)")
	rootCmd.Flags().StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "Directory or database file for the cache store")
	rootCmd.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis store")
	rootCmd.Flags().IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfigFile overlays the config file while keeping explicitly set flags.
func loadConfigFile(flags *pflag.FlagSet) error {
	if configPath == "" {
		return nil
	}

	changed := make(map[string]string)

	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := cfg.Load(configPath); err != nil {
		return err
	}

	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}

	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfigFile(cmd.Flags()); err != nil {
		return err
	}

	// Configure logger
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	// Validate config
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"countries": cfg.CountryCodes(),
		"guideUrl":  cfg.GuideURLTemplate,
		"store":     cfg.Store,
		"parser":    cfg.ParserBackend,
	}).Info("Starting guide service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kv.Open(ctx, kv.Options{
		Backend:   cfg.Store,
		Path:      cfg.StorePath,
		RedisAddr: cfg.RedisAddr,
		RedisDB:   cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}

	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close cache store")
		}
	}()

	parser, err := epg.NewParser(cfg.ParserBackend, epg.ParseOptions{HonorTimezone: cfg.HonorTimezone})
	if err != nil {
		return err
	}

	var channels []epg.LiveChannel

	if cfg.ChannelsFile != "" {
		channels, err = data.LoadChannels(cfg.ChannelsFile)
		if err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := guide.New(log,
		data.NewFetcher(log, data.TemplateResolver(cfg.GuideURLTemplate), data.WithTimeout(cfg.FetchTimeout)),
		parser,
		guide.WithCache(cache.New(log, store, cache.WithTTL(cfg.CacheTTL), cache.WithMetrics(m))),
		guide.WithMetrics(m),
		guide.WithTTL(cfg.CacheTTL),
		guide.WithHoursAhead(cfg.HoursAhead),
		guide.WithConcurrency(cfg.Concurrency),
	)

	var refresher *data.Refresher
	if cfg.RefreshInterval > 0 {
		refresher = data.NewRefresher(log, svc, cfg.RefreshInterval)
	}

	srv := server.NewServer(log, cfg, server.Deps{
		Guide:     svc,
		Refresher: refresher,
		Gatherer:  reg,
		Channels:  channels,
	})

	if err := srv.Start(ctx); err != nil {
		return err
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Received shutdown signal")

	return srv.Stop()
}
