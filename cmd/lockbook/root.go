package main

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lockbook/lb-core/internal/config"
)

// Global persistent flags, bound in newRootCmd: base directory and log
// verbosity apply to every sub-command.
var (
	flagBase      string
	flagVerbosity string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lockbook",
		Short:         "sync an end-to-end encrypted document tree",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(flagVerbosity)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}

	var levels []string
	for _, l := range log.AllLevels {
		levels = append(levels, l.String())
	}
	root.PersistentFlags().StringVar(&flagBase, "base", config.DefaultBaseDirectoryPath,
		"directory for config, account key and local database")
	root.PersistentFlags().StringVar(&flagVerbosity, "verbosity", "warning",
		"sets the log level, among "+strings.Join(levels, ", "))

	root.AddCommand(newAccountCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	return root
}
