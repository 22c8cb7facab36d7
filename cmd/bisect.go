package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/DominicWuest/toolbisect/internal/server"
	"github.com/DominicWuest/toolbisect/pkg/toolbisect"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	bisectStart string
	bisectEnd   string

	bisectReport       string
	bisectReportFormat string

	bisectPreserve bool
	bisectInvert   bool

	bisectManual bool
	bisectPort   int
)

var bisectCmd = &cobra.Command{
	Use:   "bisect job.yml",
	Short: "Bisect a regression based on a job.yml",
	Long: `Bisect a regression based on a job.yml.

The predicate configured in the job is run against the toolchain of every tested commit.
It exits with 0 if the regression is present and with any other code if it is absent.
If --manual is set, no predicate is run. Instead, a RESTful HTTP server is started, through whose API toolchains are rated.

The command exits with 0 if the offending commit was found, with 2 if no testable commit was left and with 3 if the bisection failed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobYaml, err := os.Open(args[0])
		if err != nil {
			logrus.Fatalf("Failed to open job yaml - %v", err)
		}
		job, err := toolbisect.GetJobFromConfig(jobYaml)
		jobYaml.Close()
		if err != nil {
			logrus.Fatalf("Failed to read job config from yaml - %v", err)
		}

		// Flags take precedence over the config
		if bisectStart != "" {
			job.Start = bisectStart
		}
		if bisectEnd != "" {
			job.End = bisectEnd
		}
		job.Preserve = job.Preserve || bisectPreserve
		job.Invert = job.Invert || bisectInvert
		job.Log = newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var oracle *server.HTTPOracle
		if bisectManual {
			oracle, err = server.NewHTTPOracle(bisectPort, logrus.WithField("oracle", "manual"))
			if err != nil {
				logrus.Fatalf("Failed to start webserver - %v", err)
			}
			job.Oracle = oracle
		}

		report, err := job.Run(ctx)
		if report == nil {
			logrus.Fatalf("Failed to run job - %v", err)
		}
		if err != nil {
			logrus.Warnf("Bisection was interrupted - %v", err)
		}

		if oracle != nil {
			oracle.Finish(report)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := oracle.Close(shutdownCtx); err != nil {
				logrus.Warnf("Failed to stop webserver - %v", err)
			}
			cancel()
		}

		report.Print(os.Stdout)

		if bisectReport != "" {
			if err := writeReport(report, bisectReport, bisectReportFormat); err != nil {
				logrus.Errorf("Failed to write report - %v", err)
			}
		}

		os.Exit(report.ExitCode())
	},
}

// writeReport writes the report to the passed path. Without a format, it is derived from the path's extension
func writeReport(report *toolbisect.Report, path, format string) error {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.Write(f, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(bisectCmd)

	bisectCmd.Flags().StringVar(&bisectStart, "start", "", "The commit at which the regression is absent, overrides the job's")
	bisectCmd.Flags().StringVar(&bisectEnd, "end", "", "The commit at which the regression is present, overrides the job's")

	bisectCmd.Flags().StringVarP(&bisectReport, "report", "r", "", "Write the report to this file")
	bisectCmd.Flags().StringVar(&bisectReportFormat, "format", "", "The format of the report file, yaml or json. Derived from the file extension if not set")

	bisectCmd.Flags().BoolVar(&bisectPreserve, "preserve", false, "Keep downloaded toolchains and scratch directories")
	bisectCmd.Flags().BoolVar(&bisectInvert, "invert", false, "Treat a predicate exiting with 0 as the regression being absent")

	bisectCmd.Flags().BoolVarP(&bisectManual, "manual", "m", false, "Rate toolchains through an HTTP API instead of running the predicate")
	bisectCmd.Flags().IntVarP(&bisectPort, "port", "p", 40032, "The port on which to start the server, 0 picks a free one")
}
