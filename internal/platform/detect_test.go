package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSpoolDirForLinuxWithXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultSpoolDirFor("linux", "/home/dev", "/tmp/xdg-cache")
	require.NoError(t, err)
	require.Equal(t, "/tmp/xdg-cache/voxscribe/spool", dir)
}

func TestDefaultSpoolDirForLinuxWithoutXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultSpoolDirFor("linux", "/home/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.cache/voxscribe/spool", dir)
}

func TestDefaultSpoolDirForMacOS(t *testing.T) {
	t.Parallel()

	dir, err := DefaultSpoolDirFor("darwin", "/Users/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/Users/dev/Library/Caches/voxscribe/spool", dir)
}

func TestDefaultSpoolDirForUnsupportedOS(t *testing.T) {
	t.Parallel()

	_, err := DefaultSpoolDirFor("windows", "/Users/dev", "")
	require.Error(t, err)
}

func TestResolveSpoolDirOverride(t *testing.T) {
	t.Parallel()

	dir, err := ResolveSpoolDir("/var/spool/voxscribe/")
	require.NoError(t, err)
	require.Equal(t, "/var/spool/voxscribe", dir)
}

func TestDetectDeviceIn(t *testing.T) {
	t.Parallel()

	devDir := t.TempDir()
	require.Equal(t, DeviceCPU, detectDeviceIn(devDir))

	require.NoError(t, os.WriteFile(filepath.Join(devDir, "nvidiactl"), nil, 0o644))
	require.Equal(t, DeviceCUDA, detectDeviceIn(devDir))
}

func TestDefaultComputeType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "float16", DefaultComputeType("cuda"))
	require.Equal(t, "float16", DefaultComputeType("cuda:1"))
	require.Equal(t, "int8", DefaultComputeType("cpu"))
	require.Equal(t, "int8", DefaultComputeType("cudax"))
}
