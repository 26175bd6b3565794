package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/appliance/internal/artifacts"
	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/provision"
)

// BuildService sequences the stages turning a payload into a bootable
// disk image.
type BuildService struct {
	Logger      *slog.Logger
	Provisioner DiskProvisioner
	Bootloader  BootloaderInstaller
	Fstab       FstabGenerator
	Converter   Converter

	// NewToken names the working disk. Defaults to uuid.NewString.
	NewToken func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Run executes the build described by request. request is not modified.
// The working disk is left behind when a stage fails.
func (s *BuildService) Run(ctx context.Context, request *BuildRequest) (BuildOutput, error) {
	r, err := s.resolve(request)
	if err != nil {
		return BuildOutput{}, err
	}

	token := s.token()
	disk := provision.WorkingDisk{
		Path:       filepath.Join(r.WorkDir, "."+token),
		Size:       r.Size,
		Filesystem: r.Filesystem,
		Format:     NativeFormat,
	}
	finalPath := fmt.Sprintf("%s.%s", r.Output, r.Format)

	report := BuildReport{
		ID:          token,
		Stage:       StageStart,
		Completed:   StageStart,
		WorkingDisk: disk.Path,
		StartedAt:   s.now(),
	}
	logger := s.logger().With("build", token)
	logger.Info("starting appliance build",
		"input", r.Input,
		"output", finalPath,
		"format", r.Format,
	)

	complete := func(stages ...Stage) {
		for _, stage := range stages {
			report.Completed = stage
			report.Stage = stage
		}
	}
	fail := func(attempted Stage, err error) (BuildOutput, error) {
		report.Attempted = attempted
		report.Stage = StageFailed
		report.FinishedAt = s.now()
		kind, ok := errdefs.KindOf(err)
		if !ok {
			kind = "unclassified"
		}
		logger.Debug("build failed", "stage", attempted, "completed", report.Completed, "kind", kind)
		return BuildOutput{Report: report}, err
	}

	payload, err := s.Provisioner.Inspect(ctx, r.Input)
	if err != nil {
		return fail(StageProvisioned, err)
	}
	if err := s.Provisioner.CreateEmpty(ctx, disk); err != nil {
		return fail(StageProvisioned, err)
	}
	complete(StageProvisioned)

	if err := s.Provisioner.PopulatePayload(ctx, disk, payload); err != nil {
		return fail(StagePopulated, err)
	}
	complete(StagePopulated)

	logger.Info("installing bootloader")
	info, err := s.Bootloader.Install(ctx, disk.Path, r.ExtlinuxMBR, r.Append)
	if err != nil {
		if errors.Is(err, errdefs.BootArtifactsNotFound) {
			return fail(StageBootInfoResolved, err)
		}
		return fail(StageBootloaderInstalled, err)
	}
	report.BootInfo = info
	complete(StageBootInfoResolved, StageBootloaderInstalled)

	if err := s.Fstab.Generate(ctx, disk.Path, info.UUID, r.Filesystem); err != nil {
		return fail(StageFstabWritten, err)
	}
	complete(StageFstabWritten)

	logger.Info("exporting appliance", "path", finalPath)
	if err := s.export(ctx, disk.Path, r.Format, finalPath); err != nil {
		return fail(StageExported, err)
	}
	complete(StageExported, StageDone)
	report.FinishedAt = s.now()

	image := artifacts.Artifact{
		ID:          token,
		Kind:        artifacts.DiskImageArtifact,
		URI:         artifacts.FileURI(finalPath),
		ContentType: artifacts.ContentTypeForFormat(r.Format),
		Metadata: map[string]any{
			"format":     r.Format,
			"filesystem": r.Filesystem,
			"size":       r.Size,
			"root_uuid":  info.UUID,
			"kernel":     "/boot/" + info.Kernel,
			"initrd":     "/boot/" + info.Initrd,
		},
	}
	logger.Info("appliance build completed", "image", image.URI, "duration", report.FinishedAt.Sub(report.StartedAt))
	return BuildOutput{DiskImage: image, Report: report}, nil
}

// resolve returns a normalized, validated copy of request with absolute
// paths and a verified working directory.
func (s *BuildService) resolve(request *BuildRequest) (BuildRequest, error) {
	r := *request
	r.Normalize()
	if err := r.Validate(); err != nil {
		return r, err
	}

	var err error
	if r.Input, err = filepath.Abs(r.Input); err != nil {
		return r, fmt.Errorf("resolve input %q: %w", request.Input, err)
	}
	if r.Output, err = filepath.Abs(r.Output); err != nil {
		return r, fmt.Errorf("resolve output %q: %w", request.Output, err)
	}
	if r.WorkDir == "" {
		r.WorkDir = "."
	}
	if r.WorkDir, err = filepath.Abs(r.WorkDir); err != nil {
		return r, fmt.Errorf("resolve workdir %q: %w", request.WorkDir, err)
	}

	info, err := os.Stat(r.WorkDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, fmt.Errorf("workdir %q does not exist", r.WorkDir)
		}
		return r, fmt.Errorf("stat workdir %q: %w", r.WorkDir, err)
	}
	if !info.IsDir() {
		return r, fmt.Errorf("workdir %q is not a directory", r.WorkDir)
	}
	return r, nil
}

// export moves the working disk to output when it already has the
// requested format and converts it otherwise.
func (s *BuildService) export(ctx context.Context, working, format, output string) error {
	if format == NativeFormat {
		return moveFile(working, output)
	}

	err := s.Converter.Convert(ctx, gateway.ConvertRequest{
		SourcePath: working,
		Format:     format,
		OutputPath: output,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.ConversionFailed, err, "convert %s to %s", working, format)
	}
	if err := os.Remove(working); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove working disk: %w", err)
	}
	return nil
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return os.Remove(src)
}

func (s *BuildService) token() string {
	if s.NewToken != nil {
		return s.NewToken()
	}
	return uuid.NewString()
}

func (s *BuildService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
