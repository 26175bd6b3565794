package build

import (
	"strings"
	"time"

	"github.com/cochaviz/appliance/internal/artifacts"
	"github.com/cochaviz/appliance/internal/bootinfo"
)

// Stage is a step of the build state machine.
type Stage string

// Build stages in execution order. StageFailed absorbs every stage.
const (
	StageStart               Stage = "start"
	StageProvisioned         Stage = "provisioned"
	StagePopulated           Stage = "populated"
	StageBootInfoResolved    Stage = "boot-info-resolved"
	StageBootloaderInstalled Stage = "bootloader-installed"
	StageFstabWritten        Stage = "fstab-written"
	StageExported            Stage = "exported"
	StageDone                Stage = "done"
	StageFailed              Stage = "failed"
)

// NativeFormat is the container format working disks are created in.
const NativeFormat = "qcow2"

// Formats lists the supported output container formats.
var Formats = []string{"qcow", "qcow2", "qed", "vdi", "raw", "vmdk"}

// Request defaults.
const (
	DefaultFormat     = NativeFormat
	DefaultFilesystem = "ext2"
	DefaultSize       = "10G"
)

// BuildRequest describes one appliance build.
type BuildRequest struct {
	// Input is the root filesystem payload: a directory or a tar archive.
	Input string
	// Output is the output path without extension.
	Output      string
	Format      string
	Filesystem  string
	Size        string
	ExtlinuxMBR string
	Append      string
	// WorkDir holds the working disk. Defaults to the current directory.
	WorkDir     string
	RequestedAt time.Time
}

// Normalize fills defaults and lowercases the format.
func (r *BuildRequest) Normalize() {
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	if r.Format == "" {
		r.Format = DefaultFormat
	}
	if r.Filesystem == "" {
		r.Filesystem = DefaultFilesystem
	}
	if r.Size == "" {
		r.Size = DefaultSize
	}
}

// Validate checks the fields a build cannot default.
func (r *BuildRequest) Validate() error {
	if r.Input == "" {
		return &BuildError{Message: "input is required"}
	}
	if r.Output == "" {
		return &BuildError{Message: "output is required"}
	}
	if strings.ContainsAny(r.Append, "\r\n") {
		return &BuildError{Message: "append must be a single line"}
	}
	if !ValidFormat(r.Format) {
		return &BuildError{Message: "unsupported format " + r.Format + ", allowed values are " + strings.Join(Formats, ", ")}
	}
	return nil
}

// ValidFormat reports whether format is a supported output container format.
func ValidFormat(format string) bool {
	for _, f := range Formats {
		if f == strings.ToLower(format) {
			return true
		}
	}
	return false
}

// BuildReport captures how far a build got.
type BuildReport struct {
	ID string
	// Stage is the current state, StageDone or StageFailed once Run returns.
	Stage Stage
	// Completed is the last stage that finished.
	Completed Stage
	// Attempted is the stage that failed, if any.
	Attempted   Stage
	WorkingDisk string
	BootInfo    bootinfo.BootInfo
	StartedAt   time.Time
	FinishedAt  time.Time
}

// BuildOutput is the result of Run. Report is filled on failure too.
type BuildOutput struct {
	DiskImage artifacts.Artifact
	Report    BuildReport
}

// BuildError reports an invalid request.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string {
	return e.Message
}
