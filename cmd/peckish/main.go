// Command peckish transcodes a package/image artifact tree into one or
// more distro/container output formats, driven by a YAML config
// (spec.md §6). It mirrors the teacher's cobra-root-plus-one-subcommand
// CLI shape (cmd/dupedog/main.go): a root command carrying version info
// and a single "run" subcommand doing the actual work.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version and commit are set at link time via -ldflags, the same
// mechanism the teacher uses for its own build info.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "peckish",
		Short:         "Transcode package and image artifacts between formats",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "peckish:", err)
		return 1
	}
	return 0
}
