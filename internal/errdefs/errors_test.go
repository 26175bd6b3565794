package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKind(t *testing.T) {
	t.Parallel()

	err := New(MbrNotFound, "searched %d locations", 7)

	assert.True(t, errors.Is(err, MbrNotFound))
	assert.False(t, errors.Is(err, ToolNotFound))
	assert.Equal(t, "syslinux MBR not found: searched 7 locations", err.Error())
}

func TestWrappedExecErrorStaysReachable(t *testing.T) {
	t.Parallel()

	cause := &ExecError{Command: []string{"guestfish", "-a", "disk"}, ExitStatus: 3, Stderr: "libguestfs: error\n"}
	err := fmt.Errorf("install: %w", Wrap(BootloaderInstallFailed, cause, "disk %s", "disk"))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, BootloaderInstallFailed, kind)
	assert.True(t, errors.Is(err, ToolExecutionFailed))

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitStatus)
	assert.Contains(t, err.Error(), `command "guestfish -a disk" exited with status 3 (output: libguestfs: error)`)
}

func TestKindOfPlainError(t *testing.T) {
	t.Parallel()

	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestExecErrorRendersOneLine(t *testing.T) {
	t.Parallel()

	err := &ExecError{
		Command:    []string{"virt-make-fs", "--partition"},
		ExitStatus: 1,
		Stderr:     "line one\n\tline   two \r\n\n  \n",
	}

	assert.Equal(t, `command "virt-make-fs --partition" exited with status 1 (output: line two)`, err.Error())
	assert.Equal(t, "line one\n\tline   two \r\n\n  \n", err.Stderr)
}

func TestExecErrorWithoutOutput(t *testing.T) {
	t.Parallel()

	err := &ExecError{Command: []string{"qemu-img"}, ExitStatus: 2, Stderr: "\n \n"}
	assert.Equal(t, `command "qemu-img" exited with status 2`, err.Error())
}
