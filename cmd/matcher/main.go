// Package main provides a CLI tool for debugging EPG channel matching.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/savid/iptvguide/internal/data"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	channelsPath  string
	epgPath       string
	parserBackend string
	hoursAhead    time.Duration
	honorTimezone bool
	timeout       time.Duration
	logLevel      string
	log           = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "matcher",
		Short: "Debug EPG channel matching",
		Long: `A debugging tool to analyze how live channels match to EPG data.

Outputs detailed information about:
- Which channels matched and by what strategy
- Which channels failed to match
- Close matches that almost matched
- Summary statistics

Examples:
  # Using local files
  go run ./cmd/matcher --channels testdata/channels.json --epg testdata/EPG-GB.xml.gz

  # Using a URL
  go run ./cmd/matcher --channels channels.json --epg https://epg.example.com/epg/EPG-GB.xml.gz`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&channelsPath, "channels", "", "Path to JSON live channel list (required)")
	rootCmd.Flags().StringVar(&epgPath, "epg", "", "Path or URL to XMLTV guide, optionally gzipped (required)")
	rootCmd.Flags().StringVar(&parserBackend, "parser", epg.BackendScan, "XMLTV parser backend (scan, xml)")
	rootCmd.Flags().DurationVar(&hoursAhead, "hours", epg.DefaultRetention, "How far ahead programmes are kept")
	rootCmd.Flags().BoolVar(&honorTimezone, "honor-timezone", false, "Apply XMLTV timestamp offsets")
	rootCmd.Flags().DurationVar(&timeout, "timeout", data.DefaultFetchTimeout, "Timeout when --epg is a URL")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "debug", "Log level (debug, info, warn, error)")

	if err := rootCmd.MarkFlagRequired("channels"); err != nil {
		log.WithError(err).Fatal("Failed to mark channels flag as required")
	}

	if err := rootCmd.MarkFlagRequired("epg"); err != nil {
		log.WithError(err).Fatal("Failed to mark epg flag as required")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadGuide fetches the guide from a URL or reads it from a local file.
func loadGuide(ctx context.Context, path string) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return data.NewFetcher(log, nil).Fetch(ctx, path)
	}

	return os.ReadFile(path)
}

func run(cmd *cobra.Command, args []string) error {
	// Configure logger
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	parser, err := epg.NewParser(parserBackend, epg.ParseOptions{HonorTimezone: honorTimezone})
	if err != nil {
		return err
	}

	log.WithField("source", channelsPath).Info("Loading live channels")

	channels, err := data.LoadChannels(channelsPath)
	if err != nil {
		return err
	}

	log.WithField("count", len(channels)).Info("Loaded live channels")

	log.WithField("source", epgPath).Info("Loading EPG")

	raw, err := loadGuide(cmd.Context(), epgPath)
	if err != nil {
		return fmt.Errorf("failed to load EPG: %w", err)
	}

	text, layers := epg.DecodePayload(raw)

	guide, err := epg.SafeParse(log, parser, text, epg.NewWindow(time.Now(), hoursAhead))
	if err != nil {
		return fmt.Errorf("failed to parse EPG: %w", err)
	}

	log.WithFields(logrus.Fields{
		"bytes":    len(raw),
		"layers":   layers,
		"channels": len(guide),
		"parser":   parser.Name(),
	}).Info("Parsed EPG data")

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("RUNNING CHANNEL MATCHER (internal/epg.Matcher)")
	fmt.Println(strings.Repeat("=", 80))

	results := epg.NewMatcher(log).Match(channels, guide)

	analyzeResults(os.Stdout, channels, guide, results)

	return nil
}
