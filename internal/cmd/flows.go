package cmd

import (
	"github.com/spf13/cobra"
)

var flowsCmd = &cobra.Command{
	Use:   "flows [name]",
	Short: "List flows or print one flow definition",
	Long: `Without arguments, list the available flows: the built-in feature, bugfix and
roadmap flows plus any YAML definitions in flows_dir. With a name, print that
flow's definition.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFlows,
}

func init() {
	rootCmd.AddCommand(flowsCmd)
}

type flowSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

func runFlows(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, "")
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		def, err := a.flows.Get(args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), def)
	}

	summaries := []flowSummary{}
	for _, name := range a.flows.Names() {
		def, err := a.flows.Get(name)
		if err != nil {
			return err
		}
		summaries = append(summaries, flowSummary{Name: def.Name, Description: def.Description, Steps: def.Steps})
	}
	return writeJSON(cmd.OutOrStdout(), summaries)
}
