// Package procrun spawns external subprocesses (the container runtime
// CLI) and captures their output.
//
// It is the only place in the broker that shells out. Arguments are
// always passed as a slice to exec.Command, never interpolated into a
// shell string, so there is no command-injection surface. Both Run and
// Stream fully drain the child's stdout and stderr before returning,
// so no file descriptor is ever left dangling on a forgotten pipe.
//
// # Log Prefixes
//
// Subprocess failures are logged at the [procrun] prefix.
package procrun
