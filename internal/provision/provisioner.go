// Package provision creates the working disk and fills it with the payload.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
)

// WorkingDisk is the disk image under construction.
type WorkingDisk struct {
	Path       string
	Size       string
	Filesystem string
	Format     string
}

// Provisioner creates empty disks and populates them from payloads.
type Provisioner struct {
	Gateway gateway.Gateway
	Logger  *slog.Logger
	// TempDir holds the empty source directory handed to the formatter.
	// Defaults to os.TempDir().
	TempDir string
	// Tar controls directory payload archiving. Zero value means DefaultTarOptions.
	Tar *TarOptions
}

func (p *Provisioner) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Provisioner) tarOptions() TarOptions {
	if p.Tar != nil {
		return *p.Tar
	}
	return DefaultTarOptions()
}

// CreateEmpty formats disk as a partitioned image holding one empty
// filesystem.
func (p *Provisioner) CreateEmpty(ctx context.Context, disk WorkingDisk) error {
	emptyDir, err := os.MkdirTemp(p.TempDir, "appliance-empty-*")
	if err != nil {
		return errdefs.Wrap(errdefs.ProvisioningFailed, err, "create empty source directory")
	}
	defer os.RemoveAll(emptyDir)

	p.logger().Info("creating an empty disk image",
		"path", disk.Path,
		"size", disk.Size,
		"filesystem", disk.Filesystem,
		"format", disk.Format,
	)

	err = p.Gateway.MakeFilesystem(ctx, gateway.MakeFilesystemRequest{
		SourceDir:  emptyDir,
		OutputPath: disk.Path,
		Size:       disk.Size,
		Filesystem: disk.Filesystem,
		Format:     disk.Format,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.ProvisioningFailed, err, "format %s", disk.Path)
	}
	return nil
}

// Populate copies the payload at payloadPath into the first partition of disk.
func (p *Provisioner) Populate(ctx context.Context, disk WorkingDisk, payloadPath string) error {
	payload, err := Inspect(ctx, p.Gateway, payloadPath)
	if err != nil {
		return err
	}
	return p.PopulatePayload(ctx, disk, payload)
}

// PopulatePayload copies an inspected payload into the first partition of
// disk.
func (p *Provisioner) PopulatePayload(ctx context.Context, disk WorkingDisk, payload Payload) error {
	var err error
	logger := p.logger().With("payload", payload.Path, "kind", payload.Kind)
	if payload.Codec != gateway.CodecNone {
		logger = logger.With("codec", payload.Codec)
	}
	logger.Info("copying the data into the disk image")

	switch payload.Kind {
	case PayloadDirectory:
		opts := p.tarOptions()
		err = p.stream(ctx, disk, func(ctx context.Context, w io.Writer) error {
			return WriteTar(ctx, w, payload.Path, opts)
		})
	case PayloadCompressedArchive:
		err = p.stream(ctx, disk, func(ctx context.Context, w io.Writer) error {
			return p.Gateway.Decompress(ctx, payload.Codec, payload.Path, w)
		})
	default:
		err = p.Gateway.ImportTarFile(ctx, disk.Path, payload.Path)
	}
	if err != nil {
		return errdefs.Wrap(errdefs.PopulationFailed, err, "import %s into %s", payload.Path, disk.Path)
	}
	return nil
}

// stream connects produce to the tar import through a pipe. An import
// failure is reported in preference to the producer error it causes.
func (p *Provisioner) stream(ctx context.Context, disk WorkingDisk, produce func(context.Context, io.Writer) error) error {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var produceErr, importErr error
	g.Go(func() error {
		produceErr = produce(gctx, pw)
		pw.CloseWithError(produceErr)
		return produceErr
	})
	g.Go(func() error {
		importErr = p.Gateway.ImportTarStream(gctx, disk.Path, pr)
		if importErr != nil {
			pr.CloseWithError(importErr)
		} else {
			pr.Close()
		}
		return importErr
	})
	_ = g.Wait()

	switch {
	case importErr != nil && !errors.Is(importErr, context.Canceled):
		return importErr
	case produceErr != nil:
		return fmt.Errorf("produce tar stream: %w", produceErr)
	default:
		return importErr
	}
}

// Inspect classifies the payload at path.
func (p *Provisioner) Inspect(ctx context.Context, path string) (Payload, error) {
	return Inspect(ctx, p.Gateway, path)
}
