package build

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/appliance/internal/artifacts"
	"github.com/cochaviz/appliance/internal/bootloader"
	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/fstab"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/gateway/gatewaytest"
	"github.com/cochaviz/appliance/internal/logging"
	"github.com/cochaviz/appliance/internal/provision"
)

const bootQueryOutput = "0b1c-uuid\nvmlinuz-5.10\ninitrd.img-5.10\n"

func newService(t *testing.T, gw *gatewaytest.Fake) *BuildService {
	t.Helper()

	return &BuildService{
		Provisioner: &provision.Provisioner{Gateway: gw, TempDir: t.TempDir()},
		Bootloader: &bootloader.Installer{
			Gateway: gw,
			Exists:  func(p string) bool { return p == bootloader.MBRSearchPaths[0] },
		},
		Fstab:     &fstab.Writer{Gateway: gw},
		Converter: gw,
		NewToken:  func() string { return "token" },
		Now:       func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func writePayloadDir(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "boot"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot", "vmlinuz-5.10"), []byte("kernel"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot", "initrd.img-5.10"), []byte("initrd"), 0o644))
	return root
}

func TestRunDirectoryPayloadToRaw(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{
		DescribeOutput: "directory",
		QueryOutput:    gateway.Output{Stdout: bootQueryOutput},
	}
	workDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "debian")

	result, err := newService(t, gw).Run(context.Background(), &BuildRequest{
		Input:   writePayloadDir(t),
		Output:  out,
		Format:  "raw",
		WorkDir: workDir,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		gatewaytest.OpDescribe,
		gatewaytest.OpMakeFilesystem,
		gatewaytest.OpImportTarStream,
		gatewaytest.OpQueryScript,
		gatewaytest.OpRunScript,
		gatewaytest.OpRunScript,
		gatewaytest.OpConvert,
	}, gw.Ops())

	working := filepath.Join(workDir, ".token")
	mkfs := gw.Find(gatewaytest.OpMakeFilesystem)[0]
	assert.Equal(t, []string{working, "10G", "ext2", "qcow2"}, mkfs.Args[1:])
	assert.Equal(t, []string{working, "raw", out + ".raw"}, gw.Find(gatewaytest.OpConvert)[0].Args)

	content, err := os.ReadFile(out + ".raw")
	require.NoError(t, err)
	assert.Equal(t, "disk:qcow2 converted:raw", string(content))
	assert.NoFileExists(t, working)

	assert.Equal(t, StageDone, result.Report.Stage)
	assert.Equal(t, StageDone, result.Report.Completed)
	assert.Equal(t, Stage(""), result.Report.Attempted)
	assert.Equal(t, "0b1c-uuid", result.Report.BootInfo.UUID)
	assert.Equal(t, artifacts.DiskImageArtifact, result.DiskImage.Kind)
	assert.Equal(t, artifacts.FileURI(out+".raw"), result.DiskImage.URI)
	assert.Equal(t, "/boot/vmlinuz-5.10", result.DiskImage.Metadata["kernel"])
}

func TestRunGzipArchiveToQcow2Renames(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{
		DescribeOutput:   "gzip compressed data, from Unix",
		QueryOutput:      gateway.Output{Stdout: bootQueryOutput},
		DecompressOutput: []byte("tar bytes"),
	}
	payload := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(payload, []byte("gz"), 0o644))
	workDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "debian")

	result, err := newService(t, gw).Run(context.Background(), &BuildRequest{
		Input:   payload,
		Output:  out,
		Format:  "QCOW2",
		WorkDir: workDir,
	})
	require.NoError(t, err)

	assert.Empty(t, gw.Find(gatewaytest.OpConvert))
	decompress := gw.Find(gatewaytest.OpDecompress)
	require.Len(t, decompress, 1)
	assert.Equal(t, "zcat", decompress[0].Args[0])
	assert.Equal(t, []byte("tar bytes"), gw.Find(gatewaytest.OpImportTarStream)[0].Stdin)

	content, err := os.ReadFile(out + ".qcow2")
	require.NoError(t, err)
	assert.Equal(t, "disk:qcow2", string(content))
	assert.NoFileExists(t, filepath.Join(workDir, ".token"))
	assert.Equal(t, "application/x-qemu-disk", result.DiskImage.ContentType)
}

func TestRunMissingKernelStopsBeforeInstall(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{
		DescribeOutput: "directory",
		QueryOutput:    gateway.Output{Stdout: "0b1c-uuid\ninitrd.img-5.10\n"},
	}
	out := filepath.Join(t.TempDir(), "debian")

	result, err := newService(t, gw).Run(context.Background(), &BuildRequest{
		Input:   t.TempDir(),
		Output:  out,
		Format:  "raw",
		WorkDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.BootArtifactsNotFound))

	assert.Empty(t, gw.Find(gatewaytest.OpRunScript))
	assert.Empty(t, gw.Find(gatewaytest.OpConvert))
	assert.NoFileExists(t, out+".raw")

	assert.Equal(t, StageFailed, result.Report.Stage)
	assert.Equal(t, StagePopulated, result.Report.Completed)
	assert.Equal(t, StageBootInfoResolved, result.Report.Attempted)
}

func TestRunMissingPayloadCreatesNothing(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{}
	workDir := t.TempDir()

	result, err := newService(t, gw).Run(context.Background(), &BuildRequest{
		Input:   filepath.Join(t.TempDir(), "missing"),
		Output:  filepath.Join(t.TempDir(), "debian"),
		WorkDir: workDir,
	})
	assert.True(t, errors.Is(err, errdefs.PayloadNotFound))
	assert.Empty(t, gw.Calls())
	assert.Equal(t, StageProvisioned, result.Report.Attempted)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunLogsFailureKind(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	svc := newService(t, &gatewaytest.Fake{})
	svc.Logger = logging.NewCLI(&logs, slog.LevelDebug)

	_, err := svc.Run(context.Background(), &BuildRequest{
		Input:   filepath.Join(t.TempDir(), "missing"),
		Output:  filepath.Join(t.TempDir(), "debian"),
		WorkDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, logs.String(), `DEBUG: build failed build=token stage=provisioned completed=start kind="payload not found"`)
}

func TestRunConversionFailureKeepsWorkingDisk(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{
		DescribeOutput: "POSIX tar archive (GNU)",
		QueryOutput:    gateway.Output{Stdout: bootQueryOutput},
		Fail: map[string]error{
			gatewaytest.OpConvert: &errdefs.ExecError{Command: []string{"qemu-img", "convert"}, ExitStatus: 1},
		},
	}
	payload := filepath.Join(t.TempDir(), "rootfs.tar")
	require.NoError(t, os.WriteFile(payload, []byte("tar"), 0o644))
	workDir := t.TempDir()

	result, err := newService(t, gw).Run(context.Background(), &BuildRequest{
		Input:   payload,
		Output:  filepath.Join(t.TempDir(), "debian"),
		Format:  "vmdk",
		WorkDir: workDir,
	})
	assert.True(t, errors.Is(err, errdefs.ConversionFailed))
	assert.True(t, errors.Is(err, errdefs.ToolExecutionFailed))
	assert.FileExists(t, filepath.Join(workDir, ".token"))
	assert.Equal(t, StageFstabWritten, result.Report.Completed)
	assert.Equal(t, StageExported, result.Report.Attempted)
}

func TestRunStageFailures(t *testing.T) {
	t.Parallel()

	execErr := &errdefs.ExecError{Command: []string{"tool"}, ExitStatus: 2}
	tests := map[string]struct {
		op        string
		kind      errdefs.Kind
		completed Stage
		attempted Stage
	}{
		"provisioning": {gatewaytest.OpMakeFilesystem, errdefs.ProvisioningFailed, StageStart, StageProvisioned},
		"population":   {gatewaytest.OpImportTarFile, errdefs.PopulationFailed, StageProvisioned, StagePopulated},
		"query":        {gatewaytest.OpQueryScript, errdefs.ToolExecutionFailed, StagePopulated, StageBootInfoResolved},
		"install":      {gatewaytest.OpRunScript, errdefs.BootloaderInstallFailed, StagePopulated, StageBootloaderInstalled},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			gw := &gatewaytest.Fake{
				DescribeOutput: "POSIX tar archive",
				QueryOutput:    gateway.Output{Stdout: bootQueryOutput},
				Fail:           map[string]error{tc.op: execErr},
			}
			payload := filepath.Join(t.TempDir(), "rootfs.tar")
			require.NoError(t, os.WriteFile(payload, []byte("tar"), 0o644))

			result, err := newService(t, gw).Run(context.Background(), &BuildRequest{
				Input:   payload,
				Output:  filepath.Join(t.TempDir(), "debian"),
				WorkDir: t.TempDir(),
			})
			assert.True(t, errors.Is(err, tc.kind), "got %v", err)
			assert.Equal(t, tc.completed, result.Report.Completed)
			assert.Equal(t, tc.attempted, result.Report.Attempted)
		})
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := map[string]*BuildRequest{
		"no input":          {Output: "out"},
		"no output":         {Input: "in"},
		"unknown format":    {Input: "in", Output: "out", Format: "iso"},
		"multi-line append": {Input: "in", Output: "out", Append: "quiet\nDEFAULT rescue"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			gw := &gatewaytest.Fake{}
			_, err := newService(t, gw).Run(context.Background(), req)

			var buildErr *BuildError
			assert.True(t, errors.As(err, &buildErr), "got %v", err)
			assert.Empty(t, gw.Calls())
		})
	}
}

func TestRunLeavesRequestUntouched(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{
		DescribeOutput: "directory",
		QueryOutput:    gateway.Output{Stdout: bootQueryOutput},
	}
	request := &BuildRequest{
		Input:   writePayloadDir(t),
		Output:  filepath.Join(t.TempDir(), "debian"),
		Format:  " RAW ",
		WorkDir: t.TempDir(),
	}
	original := *request

	_, err := newService(t, gw).Run(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, original, *request)
}

func TestRunRejectsMissingWorkDir(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{}
	_, err := newService(t, gw).Run(context.Background(), &BuildRequest{
		Input:   "in",
		Output:  "out",
		WorkDir: filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorContains(t, err, "does not exist")
	assert.Empty(t, gw.Calls())
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	req := &BuildRequest{Format: " VMDK "}
	req.Normalize()
	assert.Equal(t, "vmdk", req.Format)
	assert.Equal(t, DefaultFilesystem, req.Filesystem)
	assert.Equal(t, DefaultSize, req.Size)

	req = &BuildRequest{}
	req.Normalize()
	assert.Equal(t, NativeFormat, req.Format)
}

func TestMoveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, ".work")
	dst := filepath.Join(dir, "out.qcow2")
	require.NoError(t, os.WriteFile(src, []byte("image"), 0o644))

	require.NoError(t, moveFile(src, dst))
	assert.NoFileExists(t, src)
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "image", string(content))
}
