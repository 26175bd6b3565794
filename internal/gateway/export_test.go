package gateway

import (
	"context"
	"os/exec"
)

func MockExecCommand(f func(ctx context.Context, name string, arg ...string) *exec.Cmd) (restore func()) {
	saved := execCommandContext
	execCommandContext = f
	return func() {
		execCommandContext = saved
	}
}
