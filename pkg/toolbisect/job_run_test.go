//go:build unix

package toolbisect

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regressionRepo creates a repository of n commits and an artifact server providing a toolchain for each of them.
// The rustc of every commit from firstBad on prints "bad".
func regressionRepo(t *testing.T, n, firstBad int, missing ...int) (string, []string, *artifactServer) {
	dir, git := testRepo(t)

	archives := make(map[string][]byte)
	var hashes []string
	for i := 0; i < n; i++ {
		hash := makeCommit(git, "bors", fmt.Sprintf("Auto merge of #%d", i))
		hashes = append(hashes, hash)

		skip := false
		for _, m := range missing {
			skip = skip || m == i
		}
		if skip {
			continue
		}

		for path, body := range toolchainArchives(t, hash) {
			archives[path] = body
		}
		output := "good"
		if i >= firstBad {
			output = "bad"
		}
		archives["/"+hash+"/rustc-nightly-"+testTriple+".tar.gz"] = makeTarGz(t, "rustc-nightly-"+testTriple, map[string]string{
			"rustc/bin/rustc":   "#!/bin/sh\necho " + output + "\n",
			"rustc/bin/rustdoc": "#!/bin/sh\n",
		})
	}

	return dir, hashes, newArtifactServer(t, archives)
}

func TestJobRun(t *testing.T) {
	t.Run("Job finds the offending commit", func(t *testing.T) {
		dir, hashes, server := regressionRepo(t, 12, 7, 6)

		job := &Job{
			Repository: dir,
			Start:      hashes[0],
			End:        hashes[11],

			URLs:     []string{server.URL + "/{commit}/{component}-nightly-{triple}.tar.gz"},
			Triple:   testTriple,
			CacheDir: t.TempDir(),
			Checks:   []ToolchainCheck{{CheckType: BinaryExists, Data: "cargo/bin/cargo"}},

			Predicate: writePredicate(t, `"$RUSTC" | grep -q bad`),
		}

		report, err := job.Run(context.Background())
		require.NoError(t, err, "Job returned an error")

		assert.Equal(t, Converged, report.State, "Job did not converge - %v", report.Faults)
		require.NotNil(t, report.FirstBad)
		assert.Equal(t, hashes[7], report.FirstBad.Hash, "Wrong offending commit")
		assert.Equal(t, "Auto merge of #7", report.FirstBad.Summary)
		assert.Equal(t, 12, report.Commits)
	})

	t.Run("Job without predicate fails to start", func(t *testing.T) {
		dir, hashes, _ := regressionRepo(t, 3, 1)

		_, err := (&Job{Repository: dir, Start: hashes[0], End: hashes[2], CacheDir: t.TempDir()}).Run(context.Background())
		assert.Error(t, err)
	})

	t.Run("Job with invalid range returns no report", func(t *testing.T) {
		dir, hashes, _ := regressionRepo(t, 3, 1)

		report, err := (&Job{
			Repository: dir,
			Start:      hashes[2],
			End:        hashes[0],
			CacheDir:   t.TempDir(),
			Predicate:  writePredicate(t, "exit 0"),
		}).Run(context.Background())

		assert.Nil(t, report)
		var historyErr *HistoryError
		assert.ErrorAs(t, err, &historyErr)
	})
}

func TestJobInstall(t *testing.T) {
	dir, hashes, server := regressionRepo(t, 3, 1)

	job := &Job{
		Repository: dir,
		URLs:       []string{server.URL + "/{commit}/{component}-nightly-{triple}.tar.gz"},
		Triple:     testTriple,
		CacheDir:   t.TempDir(),
	}

	artifact, err := job.Install(context.Background(), hashes[1])
	require.NoError(t, err, "Install returned an error")

	assert.True(t, artifact.Preserve, "Installed toolchain is not preserved")
	assert.Equal(t, "Auto merge of #1", artifact.Commit.Summary, "Commit was not looked up")
	require.NoError(t, artifact.Release())
	assert.FileExists(t, artifact.Env["RUSTC"], "Installed toolchain was removed")
}
