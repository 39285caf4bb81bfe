package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const usage = `meshd runs a single mesh node: a membership engine, a coordinator, and
the instance manager ticking loop that drives them.

EXAMPLES:
  Start a node that becomes the initial main node:
    meshd serve --id node-a --port 7946 --main

  Start a follower node that joins an existing mesh:
    meshd serve --id node-b --port 7947 --seed 127.0.0.1:7946`

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "cluster-membership and coordination daemon",
	Long:  usage,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func fatalf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}
