/*
Package toolbisect provides a Go interface for bisecting regressions in a toolchain using its prebuilt CI artifacts.

Jobs can most easily be created by passing in a job config to [GetJobFromConfig], but can also be created manually by populating a [Job] struct.
For a manually created job to work, at least the following fields have to be populated:
  - Start & End
  - Repository or GitHub
  - Predicate, or Oracle

After a job struct was acquired, the regression can be bisected using [Job.Run], which returns a [Report] once the bisection finished.

Instead of building every tested commit, the toolchain of a commit is downloaded from an [ArtifactSource] and installed by a [Resolver].
Commits whose artifacts are unavailable, e.g. because they expired or never got built, are skipped by testing their neighbours instead.

The predicate is an executable which exits with code 0 if it reproduced the regression, and with any other code otherwise.
It is run by a [ScriptOracle] inside a [Sandbox], with the environment variables TOOLCHAIN_ROOT, TOOLCHAIN_COMMIT and one variable per toolchain binary, e.g. RUSTC and CARGO.

For more control, an [Engine] can be assembled from a [HistoryProvider], an [ArtifactResolver] and an [Oracle] directly.
*/
package toolbisect
