package bootinfo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/appliance/internal/errdefs"
	"github.com/cochaviz/appliance/internal/gateway"
	"github.com/cochaviz/appliance/internal/gateway/gatewaytest"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		output string
		want   BootInfo
	}{
		"four lines prefer initrd": {
			output: "0b1c-uuid\nvmlinuz-5.10\ninitrd.img-5.10\ninitramfs-5.10-fallback.img\n",
			want:   BootInfo{UUID: "0b1c-uuid", Kernel: "vmlinuz-5.10", Initrd: "initrd.img-5.10"},
		},
		"four lines empty initrd uses fallback": {
			output: "0b1c-uuid\nvmlinuz-linux\n\ninitramfs-linux-fallback.img\n",
			want:   BootInfo{UUID: "0b1c-uuid", Kernel: "vmlinuz-linux", Initrd: "initramfs-linux-fallback.img"},
		},
		"three lines are positional": {
			output: "0b1c-uuid\nvmlinuz-5.10\ninitrd.img-5.10\n",
			want:   BootInfo{UUID: "0b1c-uuid", Kernel: "vmlinuz-5.10", Initrd: "initrd.img-5.10"},
		},
		"surrounding whitespace": {
			output: "\n  0b1c-uuid \nvmlinuz-5.10\ninitrd.img-5.10\n\n",
			want:   BootInfo{UUID: "0b1c-uuid", Kernel: "vmlinuz-5.10", Initrd: "initrd.img-5.10"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(tc.output)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseFailures(t *testing.T) {
	t.Parallel()

	for name, output := range map[string]string{
		"empty":                 "",
		"two lines":             "0b1c-uuid\ninitrd.img-5.10\n",
		"five lines":            "a\nvmlinuz\nb\nc\nd\n",
		"kernel missing":        "0b1c-uuid\ninitrd.img-5.10\ninitrd.img-5.10-fallback\n",
		"uuid missing":          "vmlinuz-5.10\ninitrd.img-5.10\ninitrd-fallback.img\n",
		"empty uuid four lines": " \nvmlinuz-5.10\ninitrd.img-5.10\nfallback\n",
	} {
		_, err := Parse(output)
		if !errors.Is(err, errdefs.BootArtifactsNotFound) {
			t.Fatalf("Parse(%s) error = %v, want BootArtifactsNotFound", name, err)
		}
	}
}

func TestResolveRunsQueryOnMountedRoot(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{QueryOutput: gateway.Output{Stdout: "0b1c-uuid\nvmlinuz-5.10\ninitrd.img-5.10\n"}}
	r := &Resolver{Gateway: gw}

	info, err := r.Resolve(context.Background(), "/work/.disk")
	require.NoError(t, err)
	assert.Equal(t, BootInfo{UUID: "0b1c-uuid", Kernel: "vmlinuz-5.10", Initrd: "initrd.img-5.10"}, info)

	calls := gw.Find(gatewaytest.OpQueryScript)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"/work/.disk"}, calls[0].Args)
	assert.Equal(t, `run
mount /dev/sda1 /
blkid /dev/sda1 | grep ^UUID: | awk '{print $2}'
ls /boot/ | grep ^vmlinuz | head -n 1
ls /boot/ | grep ^init | grep -v fallback | head -n 1
ls /boot/ | grep ^init | grep fallback | head -n 1
`, calls[0].Script)
}

func TestResolvePropagatesToolFailure(t *testing.T) {
	t.Parallel()

	gw := &gatewaytest.Fake{Fail: map[string]error{
		gatewaytest.OpQueryScript: &errdefs.ExecError{Command: []string{"guestfish", "-a", "/work/.disk"}, ExitStatus: 1},
	}}
	r := &Resolver{Gateway: gw}

	_, err := r.Resolve(context.Background(), "/work/.disk")
	assert.True(t, errors.Is(err, errdefs.BootArtifactsNotFound))
	assert.True(t, errors.Is(err, errdefs.ToolExecutionFailed))
}
