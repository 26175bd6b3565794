package provision

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
)

// PayloadKind is the shape of a root filesystem payload.
type PayloadKind string

const (
	PayloadDirectory         PayloadKind = "directory"
	PayloadArchive           PayloadKind = "archive"
	PayloadCompressedArchive PayloadKind = "compressed-archive"
)

// Payload is a read-only root filesystem source.
type Payload struct {
	Path  string
	Kind  PayloadKind
	Codec gateway.Codec
}

// Classify maps a file(1) description onto a payload kind. Anything that is
// neither a directory nor a known compressed stream is treated as a plain
// archive.
func Classify(description string) (PayloadKind, gateway.Codec) {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "directory"):
		return PayloadDirectory, gateway.CodecNone
	case strings.Contains(desc, "xz compressed data"):
		return PayloadCompressedArchive, gateway.CodecXZ
	case strings.Contains(desc, "bzip2 compressed data"):
		return PayloadCompressedArchive, gateway.CodecBzip2
	case strings.Contains(desc, "gzip compressed data"):
		return PayloadCompressedArchive, gateway.CodecGzip
	default:
		return PayloadArchive, gateway.CodecNone
	}
}

// Inspect resolves path and runs file(1) on it to determine the payload kind.
func Inspect(ctx context.Context, gw gateway.Gateway, path string) (Payload, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Payload{}, errdefs.Wrap(errdefs.PayloadNotFound, err, "resolve %q", path)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Payload{}, errdefs.New(errdefs.PayloadNotFound, "cannot open %q (No such file or directory)", abs)
		}
		return Payload{}, errdefs.Wrap(errdefs.PayloadNotFound, err, "stat %q", abs)
	}

	description, err := gw.Describe(ctx, abs)
	if err != nil {
		return Payload{}, errdefs.Wrap(errdefs.DetectFailed, err, "detect payload type of %q", abs)
	}

	kind, codec := Classify(description)
	return Payload{Path: abs, Kind: kind, Codec: codec}, nil
}
