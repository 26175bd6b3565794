// Package gatewaytest provides a recording gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
)

// Operation names recorded in Call.Op.
const (
	OpResolve         = "resolve"
	OpDescribe        = "describe"
	OpMakeFilesystem  = "make-filesystem"
	OpRunScript       = "run-script"
	OpQueryScript     = "query-script"
	OpImportTarStream = "import-tar-stream"
	OpImportTarFile   = "import-tar-file"
	OpDecompress      = "decompress"
	OpConvert         = "convert"
)

// Call is one recorded gateway invocation.
type Call struct {
	Op     string
	Args   []string
	Script string
	Stdin  []byte
}

var _ gateway.Gateway = (*Fake)(nil)

// Fake records every call. By default operations succeed: MakeFilesystem and
// Convert create their output files, ImportTarStream drains its input and
// Decompress writes DecompressOutput.
type Fake struct {
	// DescribeOutput is returned by Describe.
	DescribeOutput string
	// QueryOutput is returned by QueryScript when Query is nil.
	QueryOutput gateway.Output
	// Query overrides QueryScript.
	Query func(script string) (gateway.Output, error)
	// DecompressOutput is written by Decompress.
	DecompressOutput []byte
	// Missing tools make Resolve fail with ToolNotFound.
	Missing []string
	// Fail makes the named operation return the error.
	Fail map[string]error

	mu    sync.Mutex
	calls []Call
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Ops returns the recorded operation names in order.
func (f *Fake) Ops() []string {
	var ops []string
	for _, c := range f.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

// Find returns the recorded calls of op.
func (f *Fake) Find(op string) []Call {
	var found []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			found = append(found, c)
		}
	}
	return found
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.Fail != nil {
		if err, ok := f.Fail[c.Op]; ok {
			return err
		}
	}
	return nil
}

func (f *Fake) Resolve(name string) (string, error) {
	if err := f.record(Call{Op: OpResolve, Args: []string{name}}); err != nil {
		return "", err
	}
	for _, missing := range f.Missing {
		if missing == name {
			return "", errdefs.New(errdefs.ToolNotFound, "command %q not found", name)
		}
	}
	return "/usr/bin/" + name, nil
}

func (f *Fake) Describe(_ context.Context, path string) (string, error) {
	if err := f.record(Call{Op: OpDescribe, Args: []string{path}}); err != nil {
		return "", err
	}
	return f.DescribeOutput, nil
}

func (f *Fake) MakeFilesystem(_ context.Context, req gateway.MakeFilesystemRequest) error {
	err := f.record(Call{Op: OpMakeFilesystem, Args: []string{req.SourceDir, req.OutputPath, req.Size, req.Filesystem, req.Format}})
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte("disk:"+req.Format), 0o644)
}

func (f *Fake) RunScript(_ context.Context, disk, script string) error {
	return f.record(Call{Op: OpRunScript, Args: []string{disk}, Script: script})
}

func (f *Fake) QueryScript(_ context.Context, disk, script string) (gateway.Output, error) {
	if err := f.record(Call{Op: OpQueryScript, Args: []string{disk}, Script: script}); err != nil {
		return gateway.Output{}, err
	}
	if f.Query != nil {
		return f.Query(script)
	}
	return f.QueryOutput, nil
}

func (f *Fake) ImportTarStream(_ context.Context, disk string, r io.Reader) error {
	data, readErr := io.ReadAll(r)
	if err := f.record(Call{Op: OpImportTarStream, Args: []string{disk}, Stdin: data}); err != nil {
		return err
	}
	return readErr
}

func (f *Fake) ImportTarFile(_ context.Context, disk, archive string) error {
	return f.record(Call{Op: OpImportTarFile, Args: []string{disk, archive}})
}

func (f *Fake) Decompress(_ context.Context, codec gateway.Codec, path string, w io.Writer) error {
	if err := f.record(Call{Op: OpDecompress, Args: []string{codec.Decompressor(), path}}); err != nil {
		return err
	}
	data := f.DecompressOutput
	if data == nil {
		data = []byte(fmt.Sprintf("%s:%s", codec.Decompressor(), path))
	}
	_, err := w.Write(data)
	return err
}

func (f *Fake) Convert(_ context.Context, req gateway.ConvertRequest) error {
	if err := f.record(Call{Op: OpConvert, Args: []string{req.SourcePath, req.Format, req.OutputPath}}); err != nil {
		return err
	}
	src, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, []byte(strings.TrimSpace(string(src))+" converted:"+req.Format), 0o644)
}
