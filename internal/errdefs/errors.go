package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a build failure.
type Kind string

// Failure kinds raised by the pipeline stages.
const (
	ToolNotFound            Kind = "tool not found"
	ToolExecutionFailed     Kind = "tool execution failed"
	PayloadNotFound         Kind = "payload not found"
	DetectFailed            Kind = "payload detection failed"
	ProvisioningFailed      Kind = "disk provisioning failed"
	PopulationFailed        Kind = "disk population failed"
	MbrNotFound             Kind = "syslinux MBR not found"
	BootArtifactsNotFound   Kind = "missing kernel or boot metadata"
	BootloaderInstallFailed Kind = "bootloader installation failed"
	FstabWriteFailed        Kind = "fstab generation failed"
	ConversionFailed        Kind = "disk conversion failed"
)

// Error implements error so a Kind can be used directly as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// An Error represents a failure of one pipeline stage.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// KindOf returns the kind of the outermost Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ExecError describes an external command that exited unsuccessfully.
// Stderr holds the tail of the tool's error output.
type ExecError struct {
	Command    []string
	ExitStatus int
	Stderr     string
}

// Error renders a single line: the command, its status and the last
// non-empty line of Stderr.
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", strings.Join(e.Command, " "), e.ExitStatus)
	if last := LastLine(e.Stderr); last != "" {
		msg += " (output: " + last + ")"
	}
	return msg
}

// LastLine returns the last non-blank line of s with surrounding and
// repeated whitespace collapsed.
func LastLine(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if fields := strings.Fields(lines[i]); len(fields) > 0 {
			return strings.Join(fields, " ")
		}
	}
	return ""
}

// Is lets callers match any ExecError against ToolExecutionFailed.
func (e *ExecError) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == ToolExecutionFailed
}
