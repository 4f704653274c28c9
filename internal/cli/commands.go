package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nadmax/pipetune/internal/impact"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}

func newDashboardCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard <pipeline-id>",
		Short: "Show stats, bottlenecks and candidates for a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.service.GetDashboard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newAnalyzeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <pipeline-id>",
		Short: "Aggregate runs, detect bottlenecks and propose optimizations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newImpactCmd(flags *globalFlags) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "impact <pipeline-id>",
		Short: "Compare runs before and after the first applied optimization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("unsupported format: %s (available: json, csv)", format)
			}

			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.service.GetImpactReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.Stale {
				a.logger.Warn("store unavailable, showing cached impact report")
			}

			if output != "" {
				path, err := impact.SaveReport(output, r.Report, format, a.logger)
				if err != nil {
					return fmt.Errorf("failed to save report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", path)
				return nil
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), r)
			}
			return impact.Export(cmd.OutOrStdout(), r.Report, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Directory to write the report into instead of stdout")
	return cmd
}

func newApplyCmd(flags *globalFlags) *cobra.Command {
	return newTransitionCmd(flags, "apply", "Mark a pending optimization as applied",
		func(a *app, cmd *cobra.Command, id string) (*optimization.Candidate, error) {
			return a.service.Apply(cmd.Context(), id)
		})
}

func newRejectCmd(flags *globalFlags) *cobra.Command {
	return newTransitionCmd(flags, "reject", "Mark a pending optimization as rejected",
		func(a *app, cmd *cobra.Command, id string) (*optimization.Candidate, error) {
			return a.service.Reject(cmd.Context(), id)
		})
}

func newTransitionCmd(flags *globalFlags, use, short string, transition func(*app, *cobra.Command, string) (*optimization.Candidate, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <optimization-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := transition(a, cmd, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.memory {
				return fmt.Errorf("migrate needs PostgreSQL, not --memory")
			}

			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.postgres.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
