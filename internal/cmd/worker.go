package cmd

import (
	"slices"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/featurepipe/internal/dispatch"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/machine"
	"github.com/Iron-Ham/featurepipe/internal/review"
	"github.com/Iron-Ham/featurepipe/internal/vcs"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <feature-dir> <step>",
	Short: "Run the worker of one step with retries",
	Long: `Build the prompt of a worker step and run it through the configured CLI with
idle and hard timeouts and retries. The result artifact is written to
.featurepipe/results whatever the outcome. The pipeline state is not changed;
record the step with complete.`,
	Args: cobra.ExactArgs(2),
	RunE: runDispatch,
}

var reviewCmd = &cobra.Command{
	Use:   "review <feature-dir> <step>",
	Short: "Run the review loop of a review step",
	Long: `Run the reviewer personas of a review step and the fixer until no critical or
high issue remains or the iteration budget is spent. The review log, report
and result are written under reviews/. The pipeline state is not changed.`,
	Args: cobra.ExactArgs(2),
	RunE: runReviewCmd,
}

var validateResultCmd = &cobra.Command{
	Use:   "validate-result <path>",
	Short: "Check that a file is a well-formed dispatch result artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateResult,
}

var (
	dispatchPersona string
	dispatchCLI     string
	dispatchModel   string
)

func init() {
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(validateResultCmd)

	dispatchCmd.Flags().StringVar(&dispatchPersona, "persona", "", "persona used to resolve the model")
	dispatchCmd.Flags().StringVar(&dispatchCLI, "cli", "", "CLI override")
	dispatchCmd.Flags().StringVar(&dispatchModel, "model", "", "model override")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	step := args[1]
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	st, def, err := a.load(featureDir)
	if err != nil {
		return err
	}
	if !slices.Contains(def.KnownSteps(), step) {
		return errors.NewValidationError("step not in flow " + def.Name).WithField("step").WithValue(step).WithCause(errors.ErrUnknownStep)
	}
	if def.IsReview(step) {
		return errors.NewValidationError("review steps run through the review command").WithField("step").WithValue(step)
	}

	prompt, err := machine.BuildPrompt(a.fs, def, st, featureDir, step)
	if err != nil {
		return err
	}
	w, err := newWorker(a)
	if err != nil {
		return err
	}

	req := dispatch.Request{
		Step:        step,
		Persona:     dispatchPersona,
		Prompt:      prompt,
		FeatureDir:  featureDir,
		Dir:         workerDir(featureDir),
		WriteAccess: true,
		MaxTurns:    def.TeamConfig[step].MaxTurns,
		CLI:         dispatchCLI,
		Model:       dispatchModel,
	}
	if tms := def.TeamConfig[step].Teammates; len(tms) > 0 {
		req.WriteAccess = tms[0].WriteAccess
		if req.Persona == "" {
			req.Persona = tms[0].Persona
		}
	}

	out, err := w.Run(cmd.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func runReviewCmd(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	step := args[1]
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	st, def, err := a.load(featureDir)
	if err != nil {
		return err
	}
	if !def.IsReview(step) {
		return errors.NewValidationError("not a review step of flow " + def.Name).WithField("step").WithValue(step)
	}
	prompt, err := machine.BuildPrompt(a.fs, def, st, featureDir, step)
	if err != nil {
		return err
	}
	targets, err := machine.ResolveTargets(a.fs, def, featureDir, step)
	if err != nil {
		return err
	}

	var repo *vcs.Git
	if g, ok := vcs.Open(featureDir); ok {
		repo = g
	}
	setup, err := review.Resolve(review.SetupParams{
		Config:     a.cfg,
		Flow:       def,
		Fs:         a.fs,
		FeatureDir: featureDir,
		Step:       step,
		Targets:    targets,
		Repo:       repo,
		BaseRef:    st.BaseRef,
	})
	if err != nil {
		return err
	}
	w, err := newWorker(a)
	if err != nil {
		return err
	}

	loop := review.NewLoop(w, a.fs,
		review.WithLoopLogger(a.logger.WithFeature(featureDir)),
		review.WithMaxIssuesInPrompt(a.cfg.Review.MaxIssuesInPrompt),
	)
	res, err := loop.Run(cmd.Context(), review.Request{
		Setup:      setup,
		FeatureDir: featureDir,
		Dir:        workerDir(featureDir),
		Prompt:     prompt,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

type validateOutput struct {
	Valid bool   `json:"valid"`
	Shape string `json:"shape"`
	Path  string `json:"path"`
}

func runValidateResult(cmd *cobra.Command, args []string) error {
	data, err := afero.ReadFile(afero.NewOsFs(), args[0])
	if err != nil {
		return errors.NewValidationError("cannot read result artifact").WithField("path").WithValue(args[0]).WithCause(err)
	}
	success, err := dispatch.ValidateResult(data)
	if err != nil {
		return err
	}
	shape := "failure"
	if success {
		shape = "success"
	}
	return writeJSON(cmd.OutOrStdout(), validateOutput{Valid: true, Shape: shape, Path: args[0]})
}

// workerDir is the repository root when the feature lives in git, else the
// feature directory.
func workerDir(featureDir string) string {
	if g, ok := vcs.Open(featureDir); ok {
		return g.RepoDir()
	}
	return featureDir
}
