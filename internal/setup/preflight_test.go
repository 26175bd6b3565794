package setup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway/gatewaytest"
)

func TestVerifyDefaultTools(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{}
	require.NoError(t, Verify(gw))

	var resolved []string
	for _, call := range gw.Find(gatewaytest.OpResolve) {
		resolved = append(resolved, call.Args[0])
	}
	assert.Equal(t, []string{"file", "virt-make-fs", "guestfish"}, resolved)
}

func TestVerifyReportsEveryMissingTool(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{Missing: []string{"virt-make-fs", "guestfish"}}
	err := Verify(gw)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ToolNotFound))
	assert.Contains(t, err.Error(), `"virt-make-fs"`)
	assert.Contains(t, err.Error(), `"guestfish"`)
	assert.Equal(t, `tool not found: command "virt-make-fs" not found; tool not found: command "guestfish" not found`, err.Error())
}

func TestVerifyExplicitTools(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{Missing: []string{"xzcat"}}
	assert.NoError(t, Verify(gw, "qemu-img"))
	assert.Error(t, Verify(gw, "xzcat"))
}
