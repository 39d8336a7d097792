package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/propagator/cmd/propagatord/commands"
)

var rootCmd = &cobra.Command{
	Use:   "propagatord",
	Short: "propagatord - reactive propagation runtime",
	Long: `propagatord runs the reactive propagation engine: contacts connected by
wires, blended and propagated to a fixed point, fanned out to storage and
bridge drivers through the kernel.

Examples:
  propagatord serve            # start the kernel and configured drivers
  propagatord version          # print build information`,
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
