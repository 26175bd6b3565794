package provision

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/sys/unix"
)

// DefaultExcludes are the payload paths never copied into the disk.
var DefaultExcludes = []string{"dev/*", "proc/*", "sys/*", "tmp/*", "run/*", "/mnt/*"}

// TarOptions controls how a directory payload is archived.
type TarOptions struct {
	// Excludes are glob patterns matched against slash-separated paths
	// relative to the payload root. A leading slash is ignored.
	Excludes []string
	// NumericOwner omits user and group names from headers.
	NumericOwner bool
	// OneFileSystem keeps mount points found under the root but skips
	// their contents.
	OneFileSystem bool
}

// DefaultTarOptions returns the options used for directory payloads.
func DefaultTarOptions() TarOptions {
	return TarOptions{
		Excludes:      append([]string(nil), DefaultExcludes...),
		NumericOwner:  true,
		OneFileSystem: true,
	}
}

type fileID struct {
	dev uint64
	ino uint64
}

// WriteTar writes the entries below root (not root itself) to w as a tar
// stream. Entry names are relative to root.
func WriteTar(ctx context.Context, w io.Writer, root string, opts TarOptions) error {
	excludes, err := compileExcludes(opts.Excludes)
	if err != nil {
		return err
	}

	var rootStat unix.Stat_t
	if err := unix.Stat(root, &rootStat); err != nil {
		return fmt.Errorf("stat %q: %w", root, err)
	}
	rootDev := uint64(rootStat.Dev)

	tw := tar.NewWriter(w)
	seen := map[fileID]string{}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if matchesAny(excludes, name) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSocket != 0 {
			// sockets cannot be archived
			return nil
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return fmt.Errorf("lstat %q: %w", path, err)
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("header for %q: %w", path, err)
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid = int(st.Uid)
		hdr.Gid = int(st.Gid)
		if opts.NumericOwner {
			hdr.Uname = ""
			hdr.Gname = ""
		}

		if info.Mode().IsRegular() && st.Nlink > 1 {
			id := fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			if first, ok := seen[id]; ok {
				hdr.Typeflag = tar.TypeLink
				hdr.Linkname = first
				hdr.Size = 0
			} else {
				seen[id] = name
			}
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %q: %w", name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if err := copyContent(tw, path); err != nil {
				return fmt.Errorf("archive %q: %w", name, err)
			}
		}

		if d.IsDir() && opts.OneFileSystem && uint64(st.Dev) != rootDev {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}
	return tw.Close()
}

func copyContent(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

func compileExcludes(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "/")
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

func matchesAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
