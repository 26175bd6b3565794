// Package guestfish composes guestfish scripts from typed directives.
package guestfish

import (
	"fmt"
	"strconv"
	"strings"
)

// Devices as seen from inside the libguestfs appliance.
const (
	RootDevice    = "/dev/sda"
	RootPartition = "/dev/sda1"
)

// Directive is a single script line.
type Directive interface {
	Render() string
}

// Run launches the libguestfs appliance.
type Run struct{}

// Mount mounts Device on Mountpoint.
type Mount struct {
	Device     string
	Mountpoint string
}

// Write replaces the content of Path.
type Write struct {
	Path    string
	Content string
}

// WriteAppend appends Content to Path.
type WriteAppend struct {
	Path    string
	Content string
}

// Upload copies the host file Local to Remote inside the guest.
type Upload struct {
	Local  string
	Remote string
}

// CopyFileToDevice copies the first Size bytes of Source onto Device.
type CopyFileToDevice struct {
	Source string
	Device string
	Size   int
}

// PartSetBootable sets the bootable flag of partition number Partition.
type PartSetBootable struct {
	Device    string
	Partition int
	Bootable  bool
}

// Extlinux installs the extlinux bootloader into Directory.
type Extlinux struct {
	Directory string
}

// Echo prints Message.
type Echo struct {
	Message string
}

// File describes the content of Path, as file(1) would.
type File struct {
	Path string
}

// Pipe runs a guestfish command and pipes its output through a host shell
// command. Shell is passed to the shell verbatim.
type Pipe struct {
	Command []string
	Shell   string
}

func (Run) Render() string { return "run" }

func (d Mount) Render() string {
	return line("mount", arg(d.Device), arg(d.Mountpoint))
}

func (d Write) Render() string {
	return line("write", arg(d.Path), quote(d.Content))
}

func (d WriteAppend) Render() string {
	return line("write-append", arg(d.Path), quote(d.Content))
}

func (d Upload) Render() string {
	return line("upload", arg(d.Local), arg(d.Remote))
}

func (d CopyFileToDevice) Render() string {
	parts := []string{"copy-file-to-device", arg(d.Source), arg(d.Device)}
	if d.Size > 0 {
		parts = append(parts, "size:"+strconv.Itoa(d.Size))
	}
	return line(parts...)
}

func (d PartSetBootable) Render() string {
	return line("part-set-bootable", arg(d.Device), strconv.Itoa(d.Partition), strconv.FormatBool(d.Bootable))
}

func (d Extlinux) Render() string {
	return line("extlinux", arg(d.Directory))
}

func (d Echo) Render() string {
	return line("echo", quote(d.Message))
}

func (d File) Render() string {
	return line("file", arg(d.Path))
}

func (d Pipe) Render() string {
	words := make([]string, 0, len(d.Command))
	for _, w := range d.Command {
		words = append(words, arg(w))
	}
	return line(words...) + " | " + d.Shell
}

// Build renders directives as a script. With a mount root the script
// starts by mounting the first partition there; otherwise it only launches
// the appliance.
func Build(directives []Directive, mountRoot string) string {
	preamble := []Directive{Run{}}
	if mountRoot != "" {
		preamble = append(preamble, Mount{Device: RootPartition, Mountpoint: mountRoot})
	}

	var b strings.Builder
	for _, d := range append(preamble, directives...) {
		b.WriteString(d.Render())
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteLines writes each line, newline terminated, to path: the first with
// write, the rest with write-append.
func WriteLines(path string, lines ...string) []Directive {
	directives := make([]Directive, 0, len(lines))
	for i, l := range lines {
		if i == 0 {
			directives = append(directives, Write{Path: path, Content: l + "\n"})
			continue
		}
		directives = append(directives, WriteAppend{Path: path, Content: l + "\n"})
	}
	return directives
}

func line(words ...string) string {
	return strings.Join(words, " ")
}

// arg leaves plain words bare and quotes anything guestfish would split or
// interpret.
func arg(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"'\\#|") {
		return quote(s)
	}
	return s
}

// quote renders s as a guestfish double-quoted string.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\x%02x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
