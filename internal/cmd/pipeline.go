package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/featurepipe/internal/machine"
	"github.com/Iron-Ham/featurepipe/internal/runner"
	"github.com/Iron-Ham/featurepipe/internal/state"
)

var nextCmd = &cobra.Command{
	Use:   "next <feature-dir>",
	Short: "Print the next action without executing it",
	Long: `Compute the single next action of the pipeline from the persisted state, the
flow definition and the files in the feature directory. Nothing is written, so
an external driver can call next, execute the action, and record the outcome
with complete or respond.`,
	Args: cobra.ExactArgs(1),
	RunE: runNext,
}

var completeCmd = &cobra.Command{
	Use:   "complete <feature-dir> <step>...",
	Short: "Mark steps complete after an external dispatch",
	Long: `Mark one or more steps complete. Each step needs evidence of a successful
dispatch: the result artifact in .featurepipe/results (or --result), or a
passing review result for review steps. --outcome applies the conditional
branch a worker selected with its OUTCOME line.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runComplete,
}

var respondCmd = &cobra.Command{
	Use:   "respond <feature-dir> <choice>",
	Short: "Answer the gate the pipeline is stopped at",
	Long: `Answer the pending user gate with one of the options next offers:
resume or abort for a paused pipeline, approve or reject for an approval, a
flow-defined label for a user gate, and retry, skip or abort for missing
prerequisites.`,
	Args: cobra.ExactArgs(2),
	RunE: runRespond,
}

var runCmd = &cobra.Command{
	Use:   "run <feature-dir>",
	Short: "Run the pipeline until it completes, stops at a gate or fails",
	Long: `Execute actions until the pipeline completes, stops at a gate or a step fails.

With --watch a run stopped at a paused or approval gate waits for another
process to answer it with respond, then continues.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var stepCmd = &cobra.Command{
	Use:   "step <feature-dir>",
	Short: "Execute exactly one action",
	Args:  cobra.ExactArgs(1),
	RunE:  runStep,
}

var (
	completeResult  string
	completeOutcome string
	runWatch        bool
)

func init() {
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)

	completeCmd.Flags().StringVar(&completeResult, "result", "", "result artifact to validate instead of the default")
	completeCmd.Flags().StringVar(&completeOutcome, "outcome", "", "outcome token emitted by the worker")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "wait for gate responses instead of exiting")
}

func runNext(cmd *cobra.Command, args []string) error {
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
	action, err := machine.ComputeNextInstruction(st, def, a.fs, featureDir)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), action)
}

func runComplete(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.runner()
	if err != nil {
		return err
	}
	done, err := r.Complete(cmd.Context(), featureDir, args[1:], runner.CompleteOptions{
		ResultFile: completeResult,
		Outcome:    completeOutcome,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), done)
}

func runRespond(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.runner()
	if err != nil {
		return err
	}
	resp, err := r.Respond(cmd.Context(), featureDir, args[1])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), resp)
}

func runRun(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.runner()
	if err != nil {
		return err
	}
	for {
		res, err := r.Run(cmd.Context(), featureDir)
		if err != nil {
			return err
		}
		if !runWatch || !waitsForOperator(res.Status) {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		a.logger.Info("waiting for a gate response", "step", res.Action.Step, "status", string(res.Status))
		if _, err := r.WaitForResume(cmd.Context(), featureDir); err != nil {
			return err
		}
	}
}

func runStep(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.runner()
	if err != nil {
		return err
	}
	res, err := r.Step(cmd.Context(), featureDir)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

// waitsForOperator reports whether a status is only left by a gate response.
func waitsForOperator(s state.Status) bool {
	return s == state.StatusPaused || s == state.StatusAwaitingApproval
}
