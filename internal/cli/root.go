// Package cli wires the engine together behind the pipetune command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

type globalFlags struct {
	configPath string
	memory     bool
	seedPath   string
}

// NewRootCmd builds a fresh command tree, so flag state never leaks between
// invocations.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "pipetune",
		Short: "pipetune: pipeline performance analytics and optimization lifecycle",
		Long: `pipetune aggregates CI/CD pipeline runs into performance statistics,
detects bottlenecks, manages proposed optimizations from proposal to
applied or rejected, and measures the before/after impact of what was applied.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML config file")
	root.PersistentFlags().BoolVar(&flags.memory, "memory", false, "Use the in-memory store instead of PostgreSQL")
	root.PersistentFlags().StringVar(&flags.seedPath, "seed", "", "JSON file of pipeline runs loaded into the in-memory store")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newDashboardCmd(flags))
	root.AddCommand(newAnalyzeCmd(flags))
	root.AddCommand(newImpactCmd(flags))
	root.AddCommand(newApplyCmd(flags))
	root.AddCommand(newRejectCmd(flags))
	root.AddCommand(newMigrateCmd(flags))
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pipetune version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pipetune version %s\n", version)
		},
	}
}
