// Package bootinfo discovers the boot artifacts of a populated disk.
package bootinfo

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/guestfish"
)

const kernelPrefix = "vmlinuz"

// BootInfo names the artifacts a bootloader configuration refers to.
type BootInfo struct {
	UUID   string
	Kernel string
	Initrd string
}

// Query returns the directives printing, one per line, the root partition
// UUID, the kernel, the initrd and the fallback initrd. Queries without a
// match print nothing.
func Query() []guestfish.Directive {
	return []guestfish.Directive{
		guestfish.Pipe{Command: []string{"blkid", guestfish.RootPartition}, Shell: "grep ^UUID: | awk '{print $2}'"},
		guestfish.Pipe{Command: []string{"ls", "/boot/"}, Shell: "grep ^" + kernelPrefix + " | head -n 1"},
		guestfish.Pipe{Command: []string{"ls", "/boot/"}, Shell: "grep ^init | grep -v fallback | head -n 1"},
		guestfish.Pipe{Command: []string{"ls", "/boot/"}, Shell: "grep ^init | grep fallback | head -n 1"},
	}
}

// Parse interprets the output of the Query script. Four lines are UUID,
// kernel, initrd and fallback initrd, the fallback being used when the
// initrd is empty. Three lines are UUID, kernel and initrd.
func Parse(output string) (BootInfo, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	var info BootInfo
	switch len(lines) {
	case 4:
		info = BootInfo{UUID: lines[0], Kernel: lines[1], Initrd: lines[2]}
		if info.Initrd == "" {
			info.Initrd = lines[3]
		}
	case 3:
		info = BootInfo{UUID: lines[0], Kernel: lines[1], Initrd: lines[2]}
	default:
		return BootInfo{}, errdefs.New(errdefs.BootArtifactsNotFound, "expected 3 or 4 lines of boot information, got %d", len(lines))
	}

	if info.UUID == "" {
		return BootInfo{}, errdefs.New(errdefs.BootArtifactsNotFound, "root partition UUID is empty")
	}
	if !strings.HasPrefix(info.Kernel, kernelPrefix) {
		return BootInfo{}, errdefs.New(errdefs.BootArtifactsNotFound, "no /boot/%s* kernel image found", kernelPrefix)
	}
	return info, nil
}

// Resolver runs the boot information query against a disk.
type Resolver struct {
	Gateway gateway.Gateway
	Logger  *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve mounts the first partition of disk and reads its boot artifacts.
func (r *Resolver) Resolve(ctx context.Context, disk string) (BootInfo, error) {
	r.logger().Info("looking for boot information", "disk", disk)

	out, err := r.Gateway.QueryScript(ctx, disk, guestfish.Build(Query(), "/"))
	if err != nil {
		return BootInfo{}, errdefs.Wrap(errdefs.BootArtifactsNotFound, err, "query boot information on %s", disk)
	}

	info, err := Parse(out.Stdout)
	if err != nil {
		return BootInfo{}, err
	}

	r.logger().Info("resolved boot information",
		"uuid", info.UUID,
		"kernel", "/boot/"+info.Kernel,
		"initrd", "/boot/"+info.Initrd,
	)
	return info, nil
}
