package setup

import (
	"strings"

	"github.com/cochaviz/appliance/internal/gateway"
)

// RequiredTools are resolved before every build. Format dependent tools,
// the converter and the decompressors, are resolved when first used.
var RequiredTools = []string{gateway.FileTool, gateway.MakeFSTool, gateway.GuestfishTool}

// Resolver locates external tools.
type Resolver interface {
	Resolve(name string) (string, error)
}

// Verify resolves every tool, RequiredTools when none are given, and
// reports all missing ones together on one line.
func Verify(resolver Resolver, tools ...string) error {
	if len(tools) == 0 {
		tools = RequiredTools
	}

	var errs []error
	for _, tool := range tools {
		path, err := resolver.Resolve(tool)
		if err != nil {
			getLogger().Debug("tool not found", "tool", tool)
			errs = append(errs, err)
			continue
		}
		getLogger().Debug("found tool", "tool", tool, "path", path)
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return toolErrors(errs)
	}
}

// toolErrors joins resolution failures with "; " and keeps each one
// reachable through errors.Is and errors.As.
type toolErrors []error

func (e toolErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e toolErrors) Unwrap() []error {
	return e
}
