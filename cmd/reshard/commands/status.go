package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openfroyo/reshard/pkg/client"
	"github.com/openfroyo/reshard/pkg/engine"
)

const clearScreen = "\033[H\033[2J"

func newStatusCommand() *cobra.Command {
	var (
		interval time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Watch running plans",
		Long: `Poll the server and redraw every active plan, or just one, with its
status tree. Exits on Ctrl-C, or after one frame with --once or when stdout
is not a terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}

			live := !once && term.IsTerminal(int(os.Stdout.Fd()))
			return watch(cmd.Context(), c, cmd.OutOrStdout(), id, interval, live)
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "poll interval")
	cmd.Flags().BoolVar(&once, "once", false, "print one frame and exit")

	return cmd
}

func watch(ctx context.Context, c *client.Client, out io.Writer, id string, interval time.Duration, live bool) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, err := renderFrame(ctx, c, id, terminalWidth())
		if err != nil {
			if !live {
				return err
			}
			frame = []byte(heldStyle.Render("error: "+err.Error()) + "\n")
		}

		if live {
			fmt.Fprint(out, clearScreen)
		}
		if _, err := out.Write(frame); err != nil {
			return err
		}
		if !live {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func renderFrame(ctx context.Context, c *client.Client, id string, width int) ([]byte, error) {
	var views []*engine.PlanView
	if id != "" {
		v, err := c.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		views = []*engine.PlanView{v}
	} else {
		var err error
		views, err = c.ListPlans(ctx, false)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s  %s\n\n",
		titleStyle.Render("reshard status"),
		dimStyle.Render(time.Now().Format("15:04:05")))
	if len(views) == 0 {
		fmt.Fprintln(&buf, dimStyle.Render("No active plans."))
	}
	for i, v := range views {
		if i > 0 {
			fmt.Fprintln(&buf)
		}
		printPlanDetail(&buf, v, width)
	}
	return buf.Bytes(), nil
}
