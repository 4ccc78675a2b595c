package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/openfroyo/reshard/pkg/client"
	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/status"
)

const defaultWidth = 80

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	heldStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func terminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	return defaultWidth
}

// planState is the one-word state shown in listings.
func planState(v *engine.PlanView) string {
	switch {
	case !v.Active:
		return "archived"
	case v.Completed:
		return "completed"
	case v.Held:
		return "held"
	case v.Paused:
		return "paused"
	case v.Running:
		return "running"
	case v.PauseAt != "":
		return "pausing"
	default:
		return "idle"
	}
}

func styledState(v *engine.PlanView) string {
	s := planState(v)
	switch s {
	case "held":
		return heldStyle.Render(s)
	case "paused", "pausing":
		return pausedStyle.Render(s)
	case "completed":
		return doneStyle.Render(s)
	case "running":
		return runStyle.Render(s)
	default:
		return dimStyle.Render(s)
	}
}

func printPlanTable(w io.Writer, views []*engine.PlanView) error {
	if len(views) == 0 {
		fmt.Fprintln(w, "No plans.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSHARD\tPHASE\tSTATE\tUPDATED")
	for _, v := range views {
		phase := v.PhaseName()
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.ID,
			v.Shard,
			phase,
			planState(v),
			formatAge(v.Updated),
		)
	}
	return tw.Flush()
}

func printPlanDetail(w io.Writer, v *engine.PlanView, width int) {
	fmt.Fprintf(w, "%s %s  %s\n", titleStyle.Render("plan"), v.ID, styledState(v))
	fmt.Fprintf(w, "  shard:   %s (split %d)\n", v.Shard, v.SplitCount)
	fmt.Fprintf(w, "  servers: %s\n", strings.Join(v.ServerList, ", "))
	if phase := v.PhaseName(); phase != "" {
		fmt.Fprintf(w, "  phase:   %s\n", phase)
	}
	if v.PauseAt != "" {
		fmt.Fprintf(w, "  pause:   before %s\n", v.PauseAt)
	}
	if len(v.Tuning) > 0 {
		fmt.Fprintf(w, "  tuning:  %s\n", formatTuning(v.Tuning))
	}
	if v.Error != nil {
		fmt.Fprintf(w, "  %s %s: %s\n", heldStyle.Render("hold"), v.Error.Kind, v.Error.Message)
		if v.Error.Phase != "" {
			fmt.Fprintf(w, "           in %s at %s\n", v.Error.Phase, v.Error.Time.Format(time.RFC3339))
		}
		for _, k := range sortedKeys(v.Error.Info) {
			fmt.Fprintf(w, "           %s=%v\n", k, v.Error.Info[k])
		}
	}
	if v.Status != nil {
		tree := status.PrettyPrint(*v.Status, status.Options{
			ASCII: status.UseASCII(),
			Width: width - 2,
		})
		for _, line := range strings.Split(strings.TrimRight(tree, "\n"), "\n") {
			if line != "" {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
	}
}

func printTuning(w io.Writer, tuning map[string]float64) {
	if len(tuning) == 0 {
		fmt.Fprintln(w, "No tuning knobs set.")
		return
	}
	for _, k := range sortedKeys(tuning) {
		fmt.Fprintf(w, "%s = %g\n", k, tuning[k])
	}
}

func formatTuning(tuning map[string]float64) string {
	parts := make([]string, 0, len(tuning))
	for _, k := range sortedKeys(tuning) {
		parts = append(parts, fmt.Sprintf("%s=%g", k, tuning[k]))
	}
	return strings.Join(parts, " ")
}

// describeConflict prints the plans that block a create request.
func describeConflict(w io.Writer, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && len(apiErr.Plans) > 0 {
		fmt.Fprintf(w, "shard already has active plans:\n")
		for _, p := range apiErr.Plans {
			fmt.Fprintf(w, "  %s (phase %s)\n", p.ID, p.PhaseName())
		}
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatAge returns a human-readable relative time string.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}
