package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/winnowml/winnow/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("winnow %s\n", version.GitRelease)
		fmt.Printf("  Commit: %s (%s)\n", version.GitCommit, version.GitCommitDate)
		fmt.Printf("  Go:     %s\n", version.GoInfo)
	},
}
