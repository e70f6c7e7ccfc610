package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered model providers",
	Long: `List the model providers the registry knows about, in resolution
order: higher priority first, ties in registration order. A model id is
routed to the first provider whose pattern matches it.`,
	Run: func(cmd *cobra.Command, args []string) {
		descriptors := registry.Descriptors()
		sort.SliceStable(descriptors, func(i, j int) bool {
			return descriptors[i].Priority > descriptors[j].Priority
		})

		fmt.Printf("%-12s %-10s %s\n", "NAME", "PRIORITY", "PATTERN")
		for _, d := range descriptors {
			fmt.Printf("%-12s %-10d %s\n", d.Name, d.Priority, d.Pattern)
		}
	},
}
