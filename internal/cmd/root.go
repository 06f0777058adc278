package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/featurepipe/internal/config"
)

// Version is stamped at build time.
var Version = "dev"

// LocalConfigFile is merged over the user config when present in the
// working directory.
const LocalConfigFile = ".featurepipe.yaml"

var (
	// runID ties together the logs and spans of one invocation.
	runID = uuid.NewString()
	// configErr is an explicit config file that could not be read.
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "featurepipe",
	Short: "Deterministic orchestrator for multi-step LLM feature pipelines",
	Long: `featurepipe drives a feature from specification to reviewed code through a
declarative flow of steps. Each step is executed by an external LLM CLI, review
steps run a panel of reviewer personas with a fixer until the findings converge,
and the pipeline state is persisted in the feature directory after every
transition so any run can be resumed.

Every command prints one JSON object on stdout. Failures are printed as
{"error": "...", "kind": "..."} with a non-zero exit code.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	writeError(rootCmd.OutOrStdout(), err)
	return exitCode(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/featurepipe/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()
	configErr = nil

	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.SetEnvPrefix("FEATUREPIPE")
	// e.g. FEATUREPIPE_DISPATCH_IDLE_TIMEOUT for dispatch.idle_timeout
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		configErr = err
		return
	}

	if cfgFile == "" {
		if _, err := os.Stat(LocalConfigFile); err == nil {
			viper.SetConfigFile(LocalConfigFile)
			if err := viper.MergeInConfig(); err != nil {
				configErr = err
			}
		}
	}
}
