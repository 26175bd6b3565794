// Package gateway locates and runs the external tools the appliance pipeline
// depends on: the payload type check (file), the disk formatter (virt-make-fs), the
// guest-script runner (guestfish), the decompressors and the converter
// (qemu-img).
package gateway

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Tool names looked up on the search path.
const (
	FileTool      = "file"
	MakeFSTool    = "virt-make-fs"
	GuestfishTool = "guestfish"
	ConvertTool   = "qemu-img"
)

// Environment variables understood by libguestfs.
const (
	cacheDirEnv = "LIBGUESTFS_CACHEDIR"
	debugEnv    = "LIBGUESTFS_DEBUG"
)

// Codec identifies the compression of an archive payload.
type Codec string

const (
	CodecNone  Codec = ""
	CodecXZ    Codec = "xz"
	CodecBzip2 Codec = "bzip2"
	CodecGzip  Codec = "gzip"
)

// Decompressor returns the tool that writes the decompressed stream to stdout.
func (c Codec) Decompressor() string {
	switch c {
	case CodecXZ:
		return "xzcat"
	case CodecBzip2:
		return "bzcat"
	case CodecGzip:
		return "zcat"
	default:
		return ""
	}
}

// MakeFilesystemRequest describes a virt-make-fs invocation.
type MakeFilesystemRequest struct {
	SourceDir  string
	OutputPath string
	Size       string
	Filesystem string
	Format     string
}

// ConvertRequest describes a qemu-img convert invocation.
type ConvertRequest struct {
	SourcePath string
	Format     string
	OutputPath string
}

// Output holds the captured streams of a query script.
type Output struct {
	Stdout string
	Stderr string
}

// Gateway exposes one method per external operation family. Non-zero exits
// are reported as *errdefs.ExecError.
type Gateway interface {
	// Resolve returns the absolute path of an executable.
	Resolve(name string) (string, error)
	// Describe returns the file(1) description of path.
	Describe(ctx context.Context, path string) (string, error)
	// MakeFilesystem creates a partitioned disk holding a single filesystem.
	MakeFilesystem(ctx context.Context, req MakeFilesystemRequest) error
	// RunScript feeds script to guestfish attached to disk, streaming its output.
	RunScript(ctx context.Context, disk, script string) error
	// QueryScript feeds script to guestfish attached to disk and captures its output.
	QueryScript(ctx context.Context, disk, script string) (Output, error)
	// ImportTarStream unpacks the tar stream r into the root of the first partition.
	ImportTarStream(ctx context.Context, disk string, r io.Reader) error
	// ImportTarFile unpacks the tar archive at path into the root of the first partition.
	ImportTarFile(ctx context.Context, disk, archive string) error
	// Decompress writes the decompressed content of path to w.
	Decompress(ctx context.Context, codec Codec, path string, w io.Writer) error
	// Convert writes the disk image in another container format.
	Convert(ctx context.Context, req ConvertRequest) error
}

// Config is the explicit configuration of a Host gateway. It replaces the
// process-wide environment variables the tools would otherwise read.
type Config struct {
	// CacheDir is exported to libguestfs as its appliance cache directory.
	CacheDir string
	// Debug enables libguestfs debug output.
	Debug bool
	// Verbose adds verbose flags to sub-tools and streams their stderr.
	Verbose bool
	// SearchPath overrides $PATH for tool lookup.
	SearchPath string
	// Env is the base child environment; os.Environ() when nil.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func (c Config) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c Config) stderr() io.Writer {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}

func (c Config) searchPath() string {
	if c.SearchPath != "" {
		return c.SearchPath
	}
	return os.Getenv("PATH")
}
