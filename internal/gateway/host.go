package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/appliance/internal/errdefs"
)

// var alias for exec.CommandContext() that can be mocked for testing
var execCommandContext = exec.CommandContext

// stderrTail bounds how much of a tool's stderr is kept for error reports.
const stderrTail = 4096

// Ensure Host satisfies the gateway interface.
var _ Gateway = (*Host)(nil)

// Host runs the external tools installed on the build host.
type Host struct {
	config Config
}

// New returns a Host gateway using cfg.
func New(cfg Config) *Host {
	return &Host{config: cfg}
}

func (h *Host) logger() *slog.Logger {
	if h.config.Logger != nil {
		return h.config.Logger
	}
	return slog.Default()
}

// Resolve returns the absolute path of an executable. Names containing a
// path separator are checked as given; bare names are searched on the
// configured search path.
func (h *Host) Resolve(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			return filepath.Abs(name)
		}
		return "", errdefs.New(errdefs.ToolNotFound, "command %q not found", name)
	}

	for _, dir := range filepath.SplitList(h.config.searchPath()) {
		dir = strings.Trim(dir, `"`)
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return filepath.Abs(candidate)
		}
	}
	return "", errdefs.New(errdefs.ToolNotFound, "command %q not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}

func (h *Host) Describe(ctx context.Context, path string) (string, error) {
	out, err := h.run(ctx, FileTool, []string{"-b", path}, nil, true)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (h *Host) MakeFilesystem(ctx context.Context, req MakeFilesystemRequest) error {
	args := []string{
		"--partition",
		"--size", req.Size,
		"--type", req.Filesystem,
		"--format", req.Format,
		"--", req.SourceDir, req.OutputPath,
	}
	if h.config.Verbose {
		args = append([]string{"--verbose"}, args...)
	}
	_, err := h.run(ctx, MakeFSTool, args, nil, false)
	return err
}

func (h *Host) RunScript(ctx context.Context, disk, script string) error {
	_, err := h.run(ctx, GuestfishTool, []string{"-a", disk}, strings.NewReader(script), false)
	return err
}

func (h *Host) QueryScript(ctx context.Context, disk, script string) (Output, error) {
	return h.run(ctx, GuestfishTool, []string{"-a", disk}, strings.NewReader(script), true)
}

func (h *Host) ImportTarStream(ctx context.Context, disk string, r io.Reader) error {
	_, err := h.run(ctx, GuestfishTool, tarInArgs(disk, "-"), r, false)
	return err
}

func (h *Host) ImportTarFile(ctx context.Context, disk, archive string) error {
	_, err := h.run(ctx, GuestfishTool, tarInArgs(disk, archive), nil, false)
	return err
}

func tarInArgs(disk, source string) []string {
	return []string{"-a", disk, "-m", "/dev/sda1:/", "tar-in", source, "/"}
}

func (h *Host) Decompress(ctx context.Context, codec Codec, path string, w io.Writer) error {
	tool := codec.Decompressor()
	if tool == "" {
		return fmt.Errorf("no decompressor for codec %q", codec)
	}
	_, err := h.runTo(ctx, tool, []string{path}, nil, w)
	return err
}

func (h *Host) Convert(ctx context.Context, req ConvertRequest) error {
	args := []string{"convert", "-p", "-O", req.Format, req.SourcePath, req.OutputPath}
	if req.Format == "qcow" || req.Format == "qcow2" {
		args = append([]string{"convert", "-c"}, args[1:]...)
	}
	_, err := h.run(ctx, ConvertTool, args, nil, false)
	return err
}

// run executes a tool, either capturing stdout or streaming it to the
// configured writer.
func (h *Host) run(ctx context.Context, tool string, args []string, stdin io.Reader, capture bool) (Output, error) {
	if !capture {
		return h.runTo(ctx, tool, args, stdin, h.config.stdout())
	}
	var stdout bytes.Buffer
	out, err := h.runTo(ctx, tool, args, stdin, &stdout)
	out.Stdout = stdout.String()
	return out, err
}

func (h *Host) runTo(ctx context.Context, tool string, args []string, stdin io.Reader, stdout io.Writer) (Output, error) {
	binary, err := h.Resolve(tool)
	if err != nil {
		return Output{}, err
	}
	argv := append([]string{binary}, args...)

	stderr := &tailBuffer{limit: stderrTail}
	cmd := execCommandContext(ctx, binary, args...)
	cmd.Env = h.environ()
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if h.config.Verbose {
		cmd.Stderr = io.MultiWriter(stderr, h.config.stderr())
	} else {
		cmd.Stderr = stderr
	}

	h.logger().Debug("running external tool", "command", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return Output{Stderr: stderr.String()}, &errdefs.ExecError{
				Command:    argv,
				ExitStatus: exitErr.ExitCode(),
				Stderr:     stderr.String(),
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{Stderr: stderr.String()}, fmt.Errorf("%s interrupted: %w", tool, ctxErr)
		}
		return Output{Stderr: stderr.String()}, fmt.Errorf("run %s: %w", tool, err)
	}
	return Output{Stderr: stderr.String()}, nil
}

// environ builds the child environment from the base environment and the
// libguestfs settings of the config. Inherited libguestfs settings are dropped
// so the config is authoritative.
func (h *Host) environ() []string {
	base := h.config.Env
	if base == nil {
		base = os.Environ()
	}

	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, cacheDirEnv+"=") || strings.HasPrefix(kv, debugEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	if h.config.CacheDir != "" {
		env = append(env, cacheDirEnv+"="+h.config.CacheDir)
	}
	if h.config.Debug {
		env = append(env, debugEnv+"=1")
	}
	return env
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
