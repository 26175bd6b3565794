// Package fstab writes the guest's /etc/fstab.
package fstab

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/guestfish"
)

const path = "/etc/fstab"

// Lines returns the fstab mounting the partition identified by uuid as the
// root filesystem.
func Lines(uuid, fstype string) []string {
	return []string{
		"# /etc/fstab: static file system information.",
		"# Generated by appliance.",
		"",
		fmt.Sprintf("UUID=%s\t/\t%s\tdefaults\t0\t1", uuid, fstype),
	}
}

// Writer replaces /etc/fstab on a disk.
type Writer struct {
	Gateway gateway.Gateway
	Logger  *slog.Logger
}

func (w *Writer) logger() *slog.Logger {
	if w != nil && w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Generate writes an fstab for the root partition to disk.
func (w *Writer) Generate(ctx context.Context, disk, uuid, fstype string) error {
	w.logger().Info("generating "+path, "uuid", uuid, "filesystem", fstype)

	script := guestfish.Build(guestfish.WriteLines(path, Lines(uuid, fstype)...), "/")
	if err := w.Gateway.RunScript(ctx, disk, script); err != nil {
		return errdefs.Wrap(errdefs.FstabWriteFailed, err, "write %s on %s", path, disk)
	}
	return nil
}
