package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/skier233/Stash-AIServer-sub000/internal/app"
	"github.com/skier233/Stash-AIServer-sub000/internal/config"
	"github.com/skier233/Stash-AIServer-sub000/internal/tracking"
)

var (
	watchService string
	watchMessage string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a task or job until it finishes",
}

var watchTaskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Follow a single task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWatch(args[0], "")
	},
}

var watchJobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Follow a multi-task job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWatch(args[0], args[0])
	},
}

func init() {
	watchCmd.PersistentFlags().StringVar(&watchService, "service", "tracker", "service name recorded with the outcome")
	watchCmd.PersistentFlags().StringVar(&watchMessage, "message", "", "initial status message")
	watchCmd.AddCommand(watchTaskCmd, watchJobCmd)
	rootCmd.AddCommand(watchCmd)
}

func runWatch(id, jobID string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, client := setup(app.WithRegisterer(prometheus.DefaultRegisterer))
	defer client.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer srv.Close()
	}

	if cfg.SettingsFile != "" {
		watchSettings(ctx, cfg, logger, client)
	}

	if err := client.Connect(ctx); err != nil {
		logger.Warn("push channel unavailable, following over REST", "url", client.Server().WebSocketURL(), "err", err)
	}

	terminal := make(chan struct{})
	var once sync.Once
	remove := client.Tracker().Listen(id, func(st tracking.State) {
		printState(os.Stdout, st)
		if st.Status.IsTerminal() {
			once.Do(func() { close(terminal) })
		}
	})
	defer remove()

	client.Tracker().StartTracking(id, watchService, jobID, watchMessage)

	select {
	case <-terminal:
	case <-ctx.Done():
		client.Tracker().StopTracking(id)
		return
	}

	// Late records for the id are still applied during the grace delay.
	grace := cfg.TaskGrace
	if jobID != "" {
		grace = cfg.JobGrace
	}
	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

func watchSettings(ctx context.Context, cfg config.Config, logger *slog.Logger, client *app.Client) {
	err := config.Watch(ctx, cfg.SettingsFile, cfg.EnvServer, logger, func(server config.Server) {
		if err := client.Reconfigure(ctx, server); err != nil {
			logger.Warn("reconfigure failed", "url", server.WebSocketURL(), "err", err)
		}
	})
	if err != nil {
		logger.Warn("settings file not watched", "path", cfg.SettingsFile, "err", err)
	}
}
