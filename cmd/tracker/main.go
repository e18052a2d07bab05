// cmd/tracker/main.go
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/skier233/Stash-AIServer-sub000/internal/app"
	"github.com/skier233/Stash-AIServer-sub000/internal/config"
	"github.com/skier233/Stash-AIServer-sub000/internal/kv"
)

var (
	ephemeral bool
	asJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Track, cancel and review jobs on a job server",
	Long: `tracker follows tasks and multi-task jobs over the job server's push
channel, cancels them through its queue API and keeps a local log of
recent outcomes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "keep history in memory instead of TRACKER_HISTORY_DB")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the client every command works on.
func setup(opts ...app.Option) (config.Config, *slog.Logger, *app.Client) {
	cfg, logger := loadEnv()
	opts = append(opts, app.WithLogger(logger))
	if ephemeral {
		opts = append(opts, app.WithStore(kv.NewMemory()))
	}
	client, err := app.New(cfg, opts...)
	if err != nil {
		fatal(logger, "build tracker", err, "history_db", cfg.HistoryDB)
	}
	return cfg, logger, client
}

func loadEnv() (config.Config, *slog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	switch strings.ToLower(format) {
	case "pretty":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen}))
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
