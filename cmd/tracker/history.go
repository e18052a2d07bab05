package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	recentLimit      int
	recentSuccessful bool
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent terminal outcomes, newest first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := setup()
		defer client.Close()

		if recentSuccessful {
			printRecords(os.Stdout, client.Recent().Successful(recentLimit))
			return
		}
		printRecords(os.Stdout, client.Recent().Recent(recentLimit))
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent outcomes by status and service",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := setup()
		defer client.Close()
		printStats(os.Stdout, client.Recent().Stats())
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Remove one outcome from the recent log",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := setup()
		defer client.Close()

		if !client.Recent().Remove(args[0]) {
			client.Close()
			exitf("no recent outcome for %s", args[0])
		}
		fmt.Printf("Removed %s\n", args[0])
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the recent outcomes log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := setup()
		defer client.Close()

		n := client.Recent().Len()
		client.Recent().Clear()
		fmt.Printf("Cleared %d outcomes\n", n)
	},
}

func init() {
	recentCmd.Flags().IntVar(&recentLimit, "limit", 0, "maximum number of outcomes (0 for all)")
	recentCmd.Flags().BoolVar(&recentSuccessful, "successful", false, "only finished outcomes")
	rootCmd.AddCommand(recentCmd, statsCmd, forgetCmd, clearCmd)
}
