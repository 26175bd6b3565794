package artifacts

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

var contentTypes = map[string]string{
	"qcow":  "application/x-qemu-disk",
	"qcow2": "application/x-qemu-disk",
	"qed":   "application/x-qemu-disk",
	"raw":   "application/octet-stream",
	"vdi":   "application/x-virtualbox-vdi",
	"vmdk":  "application/x-vmdk",
}

// FileURI returns the file:// URI of path, made absolute.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("not a file:// URI: %q", uri)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	return filepath.FromSlash(parsed.Path), nil
}

// ContentTypeForFormat maps a disk container format to a MIME type.
func ContentTypeForFormat(format string) string {
	if ct, ok := contentTypes[strings.ToLower(format)]; ok {
		return ct
	}
	return "application/octet-stream"
}
