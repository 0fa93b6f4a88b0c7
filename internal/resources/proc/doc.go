// Package proc adapts a child process to the unreliable resource contract.
//
// Creation spawns the configured binary in its own process group and
// returns once the fork/exec succeeded; a watcher goroutine reaps the
// process and raises the exit event when it dies, however it dies. Stop
// signals the whole group with SIGTERM and escalates to SIGKILL after the
// configured grace period. Stdout and stderr are captured line by line
// into the logger.
package proc
