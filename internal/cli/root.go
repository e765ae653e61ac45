package cli

import (
	"context"
	"fmt"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  string
	date    string
)

// SetVersion sets the version information shown by --version. It is
// called by main with values injected through ldflags.
func SetVersion(v, c, d string) {
	version, commit, date = v, c, d
}

// Execute runs the netgraph CLI.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "netgraph",
		Short:         "netgraph builds, trains and serves layer-graph neural networks",
		Long:          `netgraph describes neural networks as validated layer graphs, trains them on a pluggable engine, saves them in a portable directory format and serves predictions over HTTP.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(cmd.ErrOrStderr(), level)))
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("netgraph %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newSummaryCmd())
	root.AddCommand(newRenderCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newPredictCmd())
	root.AddCommand(newExportONNXCmd())
	root.AddCommand(newImportONNXCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newUploadCmd())
	root.AddCommand(newDrawDetectionsCmd())
	return root
}

// isDir reports whether path is an existing directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
