// Command taskengine is the composition root for the task orchestration
// engine: it wires the registry, orchestrator, executor, engine, and a
// client dispatcher together behind a small cobra/viper CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
