package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/runner"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status <feature-dir>",
	Short: "Show the progress of a feature pipeline",
	Long: `Show the flow, status and step progress of a feature pipeline.

With --json the raw pipeline state is printed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the pipeline state as JSON")
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Width(10)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	currentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	st, def, err := a.load(featureDir)
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), st)
	}
	phases, err := runner.LoadPhases(a.fs, featureDir)
	if err != nil {
		a.logger.Warn("cannot read implementation phases", "error", err.Error())
	}
	renderStatus(cmd.OutOrStdout(), st, def, phases)
	return nil
}

func renderStatus(w io.Writer, st *state.PipelineState, def flow.Definition, phases []runner.Phase) {
	flowName := st.Flow
	if st.Variant != "" {
		flowName += " (" + st.Variant + ")"
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("featurepipe: "+flowName))
	_, _ = fmt.Fprintln(w, labelStyle.Render("status")+statusStyle(st.Status).Render(string(st.Status)))
	if st.PauseReason != "" {
		_, _ = fmt.Fprintln(w, labelStyle.Render("reason")+st.PauseReason)
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintln(w, labelStyle.Render("error")+errorStyle.Render(st.LastError))
	}
	_, _ = fmt.Fprintln(w)

	for _, step := range st.LivePipeline(def) {
		var line string
		switch {
		case st.IsCompleted(step):
			line = doneStyle.Render("✓ " + step)
		case step == st.Current:
			line = currentStyle.Render("▶ " + step)
		default:
			line = pendingStyle.Render("· " + step)
		}
		if def.IsReview(step) {
			line += pendingStyle.Render("  review")
		}
		_, _ = fmt.Fprintln(w, line)
		if step == runner.ImplementStep && len(phases) > 0 {
			for _, ph := range phases {
				title := ph.Title
				if title == "" {
					title = ph.Key
				}
				mark := pendingStyle.Render("    · " + title)
				if slices.Contains(st.ImplementPhasesCompleted, ph.Key) {
					mark = doneStyle.Render("    ✓ " + title)
				}
				_, _ = fmt.Fprintln(w, mark)
			}
		}
	}
	if len(st.History) > 0 {
		last := st.History[len(st.History)-1]
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, pendingStyle.Render(strings.TrimSpace(
			fmt.Sprintf("last: %s %s %s", last.At.Format("2006-01-02 15:04:05"), last.Event, last.Step))))
	}
}

func statusStyle(s state.Status) lipgloss.Style {
	switch s {
	case state.StatusCompleted:
		return doneStyle
	case state.StatusError, state.StatusRateLimited:
		return errorStyle
	case state.StatusPaused, state.StatusAwaitingApproval:
		return currentStyle
	}
	return lipgloss.NewStyle()
}
