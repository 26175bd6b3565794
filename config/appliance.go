// Package config wires the build stages for the command line.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/appliance/internal/bootloader"
	"github.com/cochaviz/appliance/internal/build"
	"github.com/cochaviz/appliance/internal/fstab"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/inspect"
	"github.com/cochaviz/appliance/internal/logging"
	"github.com/cochaviz/appliance/internal/provision"
	"github.com/cochaviz/appliance/internal/setup"
)

// Options are the settings shared by every command that drives the tools.
type Options struct {
	// WorkDir is the libguestfs cache directory. Defaults to the current
	// directory.
	WorkDir string
	// Verbose enables libguestfs debugging and streams tool output.
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewGateway returns the host gateway configured from opts.
func NewGateway(opts Options, logger *slog.Logger) (*gateway.Host, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}
	cacheDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir %q: %w", workDir, err)
	}

	return gateway.New(gateway.Config{
		CacheDir: cacheDir,
		Debug:    opts.Verbose,
		Verbose:  opts.Verbose,
		Stdout:   opts.Stdout,
		Stderr:   opts.Stderr,
		Logger:   logging.Ensure(logger).With("component", "gateway"),
	}), nil
}

// NewBuildService wires every build stage to gw.
func NewBuildService(gw gateway.Gateway, logger *slog.Logger) *build.BuildService {
	logger = logging.Ensure(logger)

	return &build.BuildService{
		Logger: logger.With("service", "build"),
		Provisioner: &provision.Provisioner{
			Gateway: gw,
			Logger:  logger.With("stage", "provision"),
		},
		Bootloader: &bootloader.Installer{
			Gateway: gw,
			Logger:  logger.With("stage", "bootloader"),
		},
		Fstab: &fstab.Writer{
			Gateway: gw,
			Logger:  logger.With("stage", "fstab"),
		},
		Converter: gw,
	}
}

// Build verifies the required tools and runs request.
func Build(ctx context.Context, gw gateway.Gateway, request *build.BuildRequest, logger *slog.Logger) (build.BuildOutput, error) {
	logger = logging.Ensure(logger).With("component", "config.build")

	if err := setup.Verify(gw); err != nil {
		return build.BuildOutput{}, err
	}
	logger.Debug("required tools found")

	return NewBuildService(gw, logger).Run(ctx, request)
}

// HasBootloader reports whether the disk image at path carries a boot
// sector.
func HasBootloader(ctx context.Context, gw gateway.Gateway, path string, logger *slog.Logger) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolve %q: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("disk image %q does not exist", abs)
		}
		return false, fmt.Errorf("stat %q: %w", abs, err)
	}
	if err := setup.Verify(gw, gateway.GuestfishTool); err != nil {
		return false, err
	}

	found := inspect.HasBootloader(ctx, gw, abs, logger)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return found, nil
}
