//go:build !unix

package recognize

import "os/exec"

// killProcessGroup is a no-op; WaitDelay still bounds the wait on pipes
// held open by orphaned children.
func killProcessGroup(cmd *exec.Cmd) {}
