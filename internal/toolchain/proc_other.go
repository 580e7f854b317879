//go:build !unix

package toolchain

import "os/exec"

// Without process groups exec.CommandContext's default kill applies.
func setProcessGroup(cmd *exec.Cmd) {}
