package build

import (
	"context"

	"github.com/cochaviz/appliance/internal/bootinfo"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/provision"
)

// DiskProvisioner creates the working disk and copies the payload into it.
type DiskProvisioner interface {
	Inspect(ctx context.Context, path string) (provision.Payload, error)
	CreateEmpty(ctx context.Context, disk provision.WorkingDisk) error
	PopulatePayload(ctx context.Context, disk provision.WorkingDisk, payload provision.Payload) error
}

// BootloaderInstaller resolves the boot artifacts of a disk and makes it
// bootable.
type BootloaderInstaller interface {
	Install(ctx context.Context, disk, mbrOverride, appendArgs string) (bootinfo.BootInfo, error)
}

// FstabGenerator writes the guest's /etc/fstab.
type FstabGenerator interface {
	Generate(ctx context.Context, disk, uuid, fstype string) error
}

// Converter rewrites a disk image in another container format.
type Converter interface {
	Convert(ctx context.Context, req gateway.ConvertRequest) error
}
