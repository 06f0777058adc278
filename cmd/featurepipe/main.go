// Command featurepipe drives multi-step LLM feature pipelines.
package main

import (
	"os"

	"github.com/Iron-Ham/featurepipe/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
