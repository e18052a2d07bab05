package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a task or every unfinished task of a job",
}

var cancelTaskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Cancel one task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := setup()
		defer client.Close()

		res := client.Cancel().CancelTask(context.Background(), args[0])
		if asJSON {
			_ = printJSON(os.Stdout, res)
		} else {
			fmt.Println(res.Message)
		}
		if !res.Success {
			client.Close()
			os.Exit(1)
		}
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Cancel the pending and running tasks of a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := setup()
		defer client.Close()

		res := client.Cancel().CancelJob(context.Background(), args[0])
		if asJSON {
			_ = printJSON(os.Stdout, res)
		} else {
			fmt.Println(res.Message)
			if len(res.CancelledTaskIDs) > 0 {
				fmt.Println("cancelled:", strings.Join(res.CancelledTaskIDs, ", "))
			}
			if len(res.FailedTaskIDs) > 0 {
				fmt.Println("failed:", strings.Join(res.FailedTaskIDs, ", "))
			}
		}
		if !res.Success {
			client.Close()
			os.Exit(1)
		}
	},
}

func init() {
	cancelCmd.AddCommand(cancelTaskCmd, cancelJobCmd)
	rootCmd.AddCommand(cancelCmd)
}
