package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/featurepipe/internal/config"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect featurepipe configuration",
	Long: `Inspect featurepipe configuration.

Configuration is read from $XDG_CONFIG_HOME/featurepipe/config.yaml, merged
with .featurepipe.yaml in the working directory, and FEATUREPIPE_* environment
variables (e.g. FEATUREPIPE_DISPATCH_MAX_RETRIES).`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configResolveCmd = &cobra.Command{
	Use:   "resolve <step>",
	Short: "Show which CLI and model a step or persona resolves to",
	Long: `Walk the model override chain for a step and print the resolved CLI and model
with the level each came from:

  steps["step:persona"] -> steps[step] -> categories[category]
    -> tiers[step_tiers[step]] -> default -> fallback

For a review step of --flow the category is derived from the flow unless
--category is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigResolve,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE:  runConfigInit,
}

var (
	resolvePersona  string
	resolveCategory string
	resolveFlow     string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configResolveCmd)
	configCmd.AddCommand(configInitCmd)

	configResolveCmd.Flags().StringVar(&resolvePersona, "persona", "", "review persona")
	configResolveCmd.Flags().StringVar(&resolveCategory, "category", "", "review category")
	configResolveCmd.Flags().StringVar(&resolveFlow, "flow", flow.FlowFeature, "flow the step belongs to")
}

type configOutput struct {
	File     string         `json:"file,omitempty"`
	Settings map[string]any `json:"settings"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return errors.NewValidationError("cannot read config file").WithField("config").WithCause(configErr)
	}
	if _, err := config.Load(); err != nil {
		return errors.NewValidationError(err.Error()).WithField("config")
	}
	return writeJSON(cmd.OutOrStdout(), configOutput{
		File:     viper.ConfigFileUsed(),
		Settings: viper.AllSettings(),
	})
}

type resolveOutput struct {
	Step     string `json:"step"`
	Persona  string `json:"persona,omitempty"`
	Category string `json:"category,omitempty"`
	config.Resolution
}

func runConfigResolve(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, "")
	if err != nil {
		return err
	}
	defer a.close()

	step := args[0]
	category := resolveCategory
	if category == "" && resolvePersona != "" {
		def, err := a.flows.Get(resolveFlow)
		if err != nil {
			return err
		}
		if def.IsReview(step) {
			category = flow.CategoryFor(def, step)
		}
	}
	return writeJSON(cmd.OutOrStdout(), resolveOutput{
		Step:       step,
		Persona:    resolvePersona,
		Category:   category,
		Resolution: a.cfg.ResolveModel(step, resolvePersona, category),
	})
}

const defaultConfigFile = `# featurepipe configuration

models:
  # Used when nothing more specific resolves.
  default:
    cli: claude
    model: sonnet
  tiers:
    fast: {cli: claude, model: haiku}
    balanced: {cli: claude, model: sonnet}
    deep: {cli: claude, model: opus}
  # step_tiers:
  #   plan: deep
  # steps:
  #   implement: {cli: codex}
  #   planreview:skeptic: {model: opus}
  # categories:
  #   code: {cli: gemini, model: gemini-2.5-pro}

dispatch:
  idle_timeout: 5m
  max_timeout: 45m
  max_retries: 2
  review_max_retries: 1
  retry_delay: 15s
  use_pty: false

review:
  # auto, light, standard or deep
  depth: auto
  max_issues_in_prompt: 50

runner:
  commit: true
  commit_prefix: "featurepipe:"
  protected_paths: [.claude, .codex]

logging:
  level: info

telemetry:
  enabled: false
`

type configInitOutput struct {
	Created string `json:"created"`
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return errors.NewValidationError("config file already exists").WithField("config").WithValue(path)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	if err := os.WriteFile(path, []byte(defaultConfigFile), 0644); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return writeJSON(cmd.OutOrStdout(), configInitOutput{Created: path})
}
