// Command mediacacheproxy runs a loopback-only HTTP caching and
// prefetching proxy for large seekable media.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mediacacheproxy",
		Short: "Loopback HTTP caching proxy for seekable media",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (if omitted, ./config.yaml when present, else built-in defaults)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCacheCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
