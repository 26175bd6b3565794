// Package bootloader installs syslinux/extlinux onto a populated disk.
package bootloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/appliance/internal/bootinfo"
	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/guestfish"
)

const (
	guestMBRPath    = "/boot/mbr.bin"
	syslinuxCfgPath = "/boot/syslinux.cfg"
	mbrSize         = 440
)

// MBRSearchPaths lists where syslinux distributions ship mbr.bin, in lookup
// order.
var MBRSearchPaths = []string{
	"/usr/share/syslinux/mbr.bin",
	"/usr/lib/bios/syslinux/mbr.bin",
	"/usr/lib/syslinux/bios/mbr.bin",
	"/usr/lib/extlinux/mbr.bin",
	"/usr/lib/syslinux/mbr.bin",
	"/usr/lib/syslinux/mbr/mbr.bin",
	"/usr/lib/EXTLINUX/mbr.bin",
}

// Resolver discovers the boot artifacts of a disk.
type Resolver interface {
	Resolve(ctx context.Context, disk string) (bootinfo.BootInfo, error)
}

// Installer writes the MBR, the syslinux configuration and a placeholder
// fstab in a single guest session.
type Installer struct {
	Gateway  gateway.Gateway
	Resolver Resolver
	Logger   *slog.Logger
	// Exists reports whether a host path exists. Defaults to os.Stat.
	Exists func(path string) bool
	// SearchPaths overrides MBRSearchPaths.
	SearchPaths []string
}

func (i *Installer) logger() *slog.Logger {
	if i != nil && i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

func (i *Installer) resolver() Resolver {
	if i.Resolver != nil {
		return i.Resolver
	}
	return &bootinfo.Resolver{Gateway: i.Gateway, Logger: i.Logger}
}

func (i *Installer) exists(path string) bool {
	if i.Exists != nil {
		return i.Exists(path)
	}
	_, err := os.Stat(path)
	return err == nil
}

// FindMBR returns the absolute path of the MBR image. A non-empty override
// is used as is; otherwise the first existing search path wins.
func (i *Installer) FindMBR(override string) (string, error) {
	if override != "" {
		return filepath.Abs(override)
	}

	paths := i.SearchPaths
	if paths == nil {
		paths = MBRSearchPaths
	}
	for _, p := range paths {
		if i.exists(p) {
			return filepath.Abs(p)
		}
	}
	return "", errdefs.New(errdefs.MbrNotFound, "searched %s", strings.Join(paths, ", "))
}

// Install locates the MBR, resolves the boot artifacts of disk and makes
// the disk bootable. The resolved BootInfo is returned for fstab
// generation.
func (i *Installer) Install(ctx context.Context, disk, mbrOverride, appendArgs string) (bootinfo.BootInfo, error) {
	logger := i.logger()
	logger.Info("installing bootloader", "disk", disk)

	mbr, err := i.FindMBR(mbrOverride)
	if err != nil {
		return bootinfo.BootInfo{}, err
	}
	logger.Debug("using syslinux MBR", "path", mbr)

	info, err := i.resolver().Resolve(ctx, disk)
	if err != nil {
		return bootinfo.BootInfo{}, err
	}
	if info.Initrd == "" {
		return bootinfo.BootInfo{}, errdefs.New(errdefs.BootArtifactsNotFound, "no /boot/init* image found")
	}

	script := guestfish.Build(Directives(mbr, info, appendArgs), "/")
	if err := i.Gateway.RunScript(ctx, disk, script); err != nil {
		return bootinfo.BootInfo{}, errdefs.Wrap(errdefs.BootloaderInstallFailed, err, "install extlinux on %s", disk)
	}
	return info, nil
}

// Directives returns the composite installation script body.
func Directives(mbr string, info bootinfo.BootInfo, appendArgs string) []guestfish.Directive {
	var d []guestfish.Directive
	step := func(msg string, directives ...guestfish.Directive) {
		d = append(d, guestfish.Echo{Message: "[guestfish] " + msg})
		d = append(d, directives...)
	}

	step("Upload the master boot record", guestfish.Upload{Local: mbr, Remote: guestMBRPath})
	step("Generate "+syslinuxCfgPath, guestfish.WriteLines(syslinuxCfgPath, SyslinuxConfig(info, appendArgs)...)...)
	step("Put the MBR into the boot sector", guestfish.CopyFileToDevice{Source: guestMBRPath, Device: guestfish.RootDevice, Size: mbrSize})
	step("Install extlinux on the first partition", guestfish.Extlinux{Directory: "/boot"})
	step("Set the first partition as bootable", guestfish.PartSetBootable{Device: guestfish.RootDevice, Partition: 1, Bootable: true})
	step("Generate empty fstab", guestfish.Write{Path: "/etc/fstab", Content: "# UNCONFIGURED FSTAB FOR BASE SYSTEM\n"})
	return d
}

// lineBreaks flattens line breaks so appended arguments stay on the APPEND
// line.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// SyslinuxConfig returns the lines of /boot/syslinux.cfg. appendArgs is
// passed through as is apart from line breaks.
func SyslinuxConfig(info bootinfo.BootInfo, appendArgs string) []string {
	kernelArgs := []string{"ro", fmt.Sprintf("root=UUID=%s", info.UUID)}
	if appendArgs != "" {
		kernelArgs = append(kernelArgs, lineBreaks.Replace(appendArgs))
	}

	return []string{
		"DEFAULT linux",
		"LABEL linux",
		"SAY Booting the kernel",
		"KERNEL /boot/" + info.Kernel,
		"INITRD /boot/" + info.Initrd,
		"APPEND " + strings.Join(kernelArgs, " "),
	}
}
