package cmd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int
var quiet bool

var rootCmd = &cobra.Command{
	Use:   "toolbisect",
	Short: "Find the commit which introduced a regression in a toolchain using prebuilt artifacts",
	Long: `Find the commit which introduced a regression in a toolchain using prebuilt artifacts.

Instead of building every commit, toolbisect downloads the artifacts the toolchain's CI published for it
and runs a predicate against them. Commits whose artifacts are gone are skipped.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set logging format
		formatter := prefixed.TextFormatter{
			DisableTimestamp: true,
		}
		formatter.SetColorScheme(&prefixed.ColorScheme{})
		logrus.SetFormatter(&formatter)
		logrus.SetLevel(logrus.InfoLevel)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger returns a logger for jobs whose level follows the verbosity flags
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(logrus.StandardLogger().Formatter)
	log.SetOutput(os.Stderr)

	// Set logger verbosity
	switch {
	case quiet:
		log.SetOutput(io.Discard)
	case verbosity == 0:
		log.SetLevel(logrus.WarnLevel)
	case verbosity == 1:
		log.SetLevel(logrus.InfoLevel)
	case verbosity == 2:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the log verbosity, may be repeated")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Disable logging")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}
