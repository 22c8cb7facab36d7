package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"

	"github.com/DominicWuest/toolbisect/pkg/toolbisect"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install job.yml commit",
	Short: "Download and install the toolchain of a single commit",
	Long: `Download and install the toolchain of a single commit, using the artifact configuration of a job.yml.

The toolchain is kept in the job's cache directory. Its location and environment are printed, e.g. for use with eval.`,
	Args: cobra.ExactArgs(2),
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
		job.Log = newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		artifact, err := job.Install(ctx, args[1])
		if err != nil {
			logrus.Fatalf("Failed to install toolchain of commit %s - %v", args[1], err)
		}

		fmt.Printf("TOOLCHAIN_ROOT=%s\n", artifact.Root)
		keys := make([]string, 0, len(artifact.Env))
		for key := range artifact.Env {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			fmt.Printf("%s=%s\n", key, artifact.Env[key])
		}
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
