// Package configurations loads build profiles holding default build options.
package configurations

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/appliance/internal/build"
)

// Flag names a profile field stands in for.
const (
	FlagFormat      = "format"
	FlagFilesystem  = "filesystem"
	FlagSize        = "size"
	FlagAppend      = "append"
	FlagExtlinuxMBR = "extlinux-mbr"
	FlagWorkDir     = "workdir"
)

// Profile holds defaults for a build. Empty fields leave the request alone.
type Profile struct {
	Format      string `yaml:"format" toml:"format"`
	Filesystem  string `yaml:"filesystem" toml:"filesystem"`
	Size        string `yaml:"size" toml:"size"`
	Append      string `yaml:"append" toml:"append"`
	ExtlinuxMBR string `yaml:"extlinux_mbr" toml:"extlinux_mbr"`
	WorkDir     string `yaml:"workdir" toml:"workdir"`
}

// LoadProfile reads a YAML (.yaml, .yml) or TOML (.toml) profile. Relative
// paths inside the profile are resolved against its directory.
func LoadProfile(path string) (Profile, error) {
	var profile Profile

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Profile{}, fmt.Errorf("read profile: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
			return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, &profile)
		if err != nil {
			return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return Profile{}, fmt.Errorf("parse profile %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	default:
		return Profile{}, fmt.Errorf("unsupported profile format %q, use .yaml, .yml or .toml", ext)
	}

	base := filepath.Dir(path)
	profile.WorkDir = resolveRelative(base, profile.WorkDir)
	profile.ExtlinuxMBR = resolveRelative(base, profile.ExtlinuxMBR)
	return profile, nil
}

func resolveRelative(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// Apply copies profile values into request unless explicit reports that
// the corresponding flag was set on the command line.
func (p Profile) Apply(request *build.BuildRequest, explicit func(flag string) bool) {
	if explicit == nil {
		explicit = func(string) bool { return false }
	}

	set := func(flag, value string, target *string) {
		if value != "" && !explicit(flag) {
			*target = value
		}
	}
	set(FlagFormat, p.Format, &request.Format)
	set(FlagFilesystem, p.Filesystem, &request.Filesystem)
	set(FlagSize, p.Size, &request.Size)
	set(FlagAppend, p.Append, &request.Append)
	set(FlagExtlinuxMBR, p.ExtlinuxMBR, &request.ExtlinuxMBR)
	set(FlagWorkDir, p.WorkDir, &request.WorkDir)
}
