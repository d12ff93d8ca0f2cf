package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "killboard",
	Short: "Killboard battle worker",
	Long:  "Clusters killmails into battles, finalizes quiet clusters and maintains derived statistics.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(refreshCmd)
}

func main() {
	Execute()
}
