// Package inspect answers bootloader questions about disks and output
// formats.
package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/guestfish"
	"github.com/cochaviz/appliance/internal/logging"
)

// ArchiveFormats are output formats that carry no partition table.
var ArchiveFormats = []string{"tar", "tar.gz", "tgz", "tar.bz2", "tbz", "tar.xz", "txz", "tar.lzo", "tzo"}

// DiskFormats are output formats that need a bootloader to boot.
var DiskFormats = []string{"qcow", "qcow2", "qed", "vdi", "raw", "vmdk"}

var bootSectorMarkers = []string{"mbr", "bootloader", "boot sector"}

// HasBootloader reports whether file(1), run inside the guest against the
// whole disk, describes a boot sector. A disk guestfish cannot open has no
// bootloader.
func HasBootloader(ctx context.Context, gw gateway.Gateway, disk string, logger *slog.Logger) bool {
	logger = logging.Ensure(logger).With("disk", disk)

	script := guestfish.Build([]guestfish.Directive{guestfish.File{Path: guestfish.RootDevice}}, "")
	out, err := gw.QueryScript(ctx, disk, script)
	if err != nil {
		logger.Debug("guestfish could not inspect disk", "error", err)
		return false
	}

	description := strings.ToLower(out.Stdout + "\n" + out.Stderr)
	logger.Debug("disk description", "output", strings.TrimSpace(description))
	for _, marker := range bootSectorMarkers {
		if strings.Contains(description, marker) {
			return true
		}
	}
	return false
}

// NeedsBootloader reports whether any of formats is a disk format.
func NeedsBootloader(formats []string) (bool, error) {
	if len(formats) == 0 {
		return false, fmt.Errorf("at least one format is required")
	}

	needed := false
	for _, format := range formats {
		switch {
		case contains(DiskFormats, format):
			needed = true
		case contains(ArchiveFormats, format):
		default:
			return false, fmt.Errorf("invalid format %q, allowed values are %s",
				format, strings.Join(append(append([]string(nil), ArchiveFormats...), DiskFormats...), ", "))
		}
	}
	return needed, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
