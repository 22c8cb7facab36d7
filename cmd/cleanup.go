package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/DominicWuest/toolbisect/pkg/toolbisect"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
	"github.com/moby/moby/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanupContainers bool
var cleanupAgree bool
var cleanupCacheDir string

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean all docker containers and toolchains left behind by toolbisect",
	Long: `This command cleans everything toolbisect leaves behind when a run is interrupted or preserves its toolchains.
This includes sandbox containers, both running and stopped, as well as the downloaded toolchains in the cache directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			logrus.Fatalf("Couldn't create docker client - %v", err)
		}
		defer cli.Close()

		containers, err := cli.ContainerList(context.Background(), container.ListOptions{
			All: true,
			Filters: filters.NewArgs(
				filters.KeyValuePair{
					Key:   "label",
					Value: "toolbisect=1",
				},
			),
		})
		if err != nil {
			logrus.Fatalf("Couldn't list docker containers - %v", err)
		}

		var cacheSize uint64
		if !cleanupContainers {
			cacheSize, err = dirSize(cleanupCacheDir)
			if err != nil {
				logrus.Fatalf("Couldn't read cache directory %s - %v", cleanupCacheDir, err)
			}
		}

		if len(containers) == 0 && cacheSize == 0 {
			cacheString := " or toolchains"
			if cleanupContainers {
				cacheString = ""
			}
			logrus.Infof("No containers%s to remove. Exiting...", cacheString)
			return
		}

		confirmationMessage := fmt.Sprintf("About to delete %d containers", len(containers))
		if cacheSize > 0 {
			confirmationMessage += fmt.Sprintf(" and %s of toolchains in %s", humanize.Bytes(cacheSize), cleanupCacheDir)
		}
		confirmationMessage += "."
		logrus.Info(confirmationMessage)

		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}

		if !cleanupAgree {
			_, err := prompt.Run()
			if err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		for _, c := range containers {
			logrus.Infof("Deleting container %s (ID: %s)", c.Names[0][1:], c.ID)
			if err := cli.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true}); err != nil {
				logrus.Fatalf("Failed to remove container with ID %s - %v", c.ID, err)
			}
		}

		if cacheSize > 0 {
			logrus.Infof("Deleting cache directory %s", cleanupCacheDir)
			if err := os.RemoveAll(cleanupCacheDir); err != nil {
				logrus.Fatalf("Failed to remove cache directory %s - %v", cleanupCacheDir, err)
			}
		}

		logrus.Info("Done cleaning up.")
	},
}

// dirSize returns the total size of all files below dir, or 0 if it does not exist
func dirSize(dir string) (uint64, error) {
	var size uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && path == dir {
			return filepath.SkipAll
		} else if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += uint64(info.Size())
		}
		return nil
	})
	return size, err
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVarP(&cleanupContainers, "containers", "c", false, "Only delete containers, no toolchains.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
	cleanupCmd.Flags().StringVar(&cleanupCacheDir, "cache-dir", toolbisect.DefaultCacheDir(), "The cache directory toolchains were downloaded to")
}
