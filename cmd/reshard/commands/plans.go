package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reshard/pkg/engine"
)

func newPhasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List the server's phases in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			phases, err := c.Phases(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), phases)
			}
			for i, p := range phases {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d  %s\n", i+1, p)
			}
			return nil
		},
	}
}

func newPlansCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List plans",
		Long: `List active plans with their phase and state. Archived plans are
included with --all.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			views, err := c.ListPlans(cmd.Context(), all)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), views)
			}
			return printPlanTable(cmd.OutOrStdout(), views)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived plans")

	return cmd
}

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <id>",
		Short: "Show one plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, err := c.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), v)
			}
			printPlanDetail(cmd.OutOrStdout(), v, terminalWidth())
			return nil
		},
	}
}

func newCreateCommand() *cobra.Command {
	var (
		shard      string
		splitCount int
		servers    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resharding plan",
		Long: `Create a plan that splits a shard across the given servers.

The request is rejected when another active plan already targets the shard;
the conflicting plans are listed.`,
		Example: `  reshard create --shard users-3 \
    --server 0d6f3a9e-8b1c-4f2a-9e7d-5c4b3a2f1e0d \
    --server 7e2c9b4a-1f3d-4e5a-8b6c-9d0e1f2a3b4c`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			plan, err := c.CreatePlan(cmd.Context(), engine.CreateOptions{
				Shard:      shard,
				SplitCount: splitCount,
				ServerList: servers,
			})
			if err != nil {
				return describeConflict(cmd.ErrOrStderr(), err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created plan %s for shard %s\n", plan.ID, plan.Shard)
			return nil
		},
	}

	cmd.Flags().StringVar(&shard, "shard", "", "shard to split")
	cmd.Flags().IntVar(&splitCount, "split-count", 2, "number of parts")
	cmd.Flags().StringSliceVar(&servers, "server", nil, "server id to place the new parts on (repeatable)")
	_ = cmd.MarkFlagRequired("shard")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func newPauseCommand() *cobra.Command {
	var atPhase string

	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a plan",
		Long: `Pause a plan at the running phase's next checkpoint, or, with --at,
just before it enters the named phase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, err := c.Pause(cmd.Context(), args[0], atPhase)
			if err != nil {
				return err
			}
			return printAction(cmd, v, "pause requested")
		},
	}

	cmd.Flags().StringVar(&atPhase, "at", "", "pause before this phase instead of now")

	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, err := c.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(cmd, v, "resumed")
		},
	}
}

func newUnholdCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unhold <id>",
		Short: "Clear a hold and re-run the held phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, err := c.Unhold(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(cmd, v, "unheld")
		},
	}
}

func newArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Deactivate a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, err := c.Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(cmd, v, "archived")
		},
	}
}

func newTuneCommand() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "tune <id> [name value]",
		Short: "Show or change a plan's tuning knobs",
		Example: `  # Show the knobs
  reshard tune 4b0c...

  # Provision four servers per checkpoint
  reshard tune 4b0c... batch_size 4

  # Remove a knob
  reshard tune 4b0c... batch_size --clear`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			id := args[0]
			var tuning map[string]float64
			switch {
			case len(args) == 1:
				tuning, err = c.Tuning(cmd.Context(), id)
			case len(args) == 2 && remove:
				tuning, err = c.Tune(cmd.Context(), id, args[1], nil)
			case len(args) == 3 && !remove:
				value, perr := strconv.ParseFloat(args[2], 64)
				if perr != nil {
					return fmt.Errorf("tuning value %q is not a number", args[2])
				}
				tuning, err = c.Tune(cmd.Context(), id, args[1], &value)
			default:
				return fmt.Errorf("expected <id>, <id> <name> --clear, or <id> <name> <value>")
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), tuning)
			}
			printTuning(cmd.OutOrStdout(), tuning)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "clear", false, "remove the named knob")

	return cmd
}

func printAction(cmd *cobra.Command, v *engine.PlanView, what string) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), v)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "plan %s: %s (%s)\n", v.ID, what, planState(v))
	return nil
}
