package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skier233/Stash-AIServer-sub000/internal/bus"
	"github.com/skier233/Stash-AIServer-sub000/internal/jobsapi"
	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
)

var jobsOpts jobsapi.ListOptions

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs known to the job server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := setup()
		defer client.Close()

		list, err := client.Jobs().ListJobs(context.Background(), jobsOpts)
		if err != nil {
			client.Close()
			fatal(logger, "list jobs", err, "url", client.Server().BaseURL())
		}
		printJobs(os.Stdout, list)
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show a task as the job server reports it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := setup()
		defer client.Close()

		task, err := client.Jobs().GetTask(context.Background(), args[0])
		if err != nil {
			client.Close()
			fatal(logger, "get task", err, "task_id", args[0])
		}
		printTask(os.Stdout, task)
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show a job and its tasks as the job server reports them",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := setup()
		defer client.Close()

		detail, err := client.Jobs().GetJob(context.Background(), args[0])
		if err != nil {
			client.Close()
			fatal(logger, "get job", err, "job_id", args[0])
		}
		printJobDetail(os.Stdout, detail)
	},
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Print outcomes published by other trackers on NATS",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, logger := loadEnv()
		if cfg.NATSURL == "" {
			exitf("NATS_URL is not set")
		}

		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()

		logger.Info("listening for outcomes", "subject", cfg.OutcomeSubject)
		err = bus.Tail(ctx, nc, cfg.OutcomeSubject, logger, func(rec recent.Record) {
			printRecords(os.Stdout, []recent.Record{rec})
		})
		if err != nil {
			fatal(logger, "subscribe outcomes", err, "subject", cfg.OutcomeSubject)
		}
	},
}

func init() {
	jobsCmd.Flags().IntVar(&jobsOpts.Limit, "limit", 20, "page size")
	jobsCmd.Flags().IntVar(&jobsOpts.Offset, "offset", 0, "page offset")
	jobsCmd.Flags().StringVar(&jobsOpts.Status, "status", "", "only jobs with this status")
	rootCmd.AddCommand(jobsCmd, taskCmd, jobCmd, outcomesCmd)
}
