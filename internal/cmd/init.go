package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/runner"
	"github.com/Iron-Ham/featurepipe/internal/state"
	"github.com/Iron-Ham/featurepipe/internal/vcs"
)

var initCmd = &cobra.Command{
	Use:   "init <feature-dir>",
	Short: "Create the pipeline state of a feature",
	Long: `Create pipeline-state.json in the feature directory for the chosen flow.

An existing state for the same flow is kept; --force starts over. Inside a git
repository the current HEAD is recorded as the base the code review measures
changes against.`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

var (
	initFlow  string
	initForce bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initFlow, "flow", flow.FlowFeature, "flow to run")
	initCmd.Flags().BoolVar(&initForce, "force", false, "replace an existing state")
}

func runInit(cmd *cobra.Command, args []string) error {
	featureDir, err := featureDirArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd, featureDir)
	if err != nil {
		return err
	}
	defer a.close()

	def, err := a.flows.Get(initFlow)
	if err != nil {
		return err
	}
	if err := a.fs.MkdirAll(featureDir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", featureDir)
	}

	lock, err := state.AcquireLock(cmd.Context(), featureDir, runner.DefaultLockWait)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	store := state.NewStore(a.fs, featureDir, state.WithLogger(a.logger.WithFeature(featureDir)))
	st, err := store.Init(def, initForce)
	if err != nil {
		return err
	}

	if st.BaseRef == "" {
		if repo, ok := vcs.Open(featureDir); ok && repo.HasHead() {
			head, err := repo.Head()
			if err != nil {
				return err
			}
			st, err = store.Update(func(st *state.PipelineState, _ time.Time) error {
				st.BaseRef = head
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return writeJSON(cmd.OutOrStdout(), st)
}
