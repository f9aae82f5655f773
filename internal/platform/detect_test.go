package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultModelDirFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		goos    string
		home    string
		xdg     string
		want    string
		wantErr bool
	}{
		{name: "linux with xdg", goos: "linux", home: "/home/dev", xdg: "/tmp/xdg-data", want: "/tmp/xdg-data/quietwav/models"},
		{name: "linux without xdg", goos: "linux", home: "/home/dev", want: "/home/dev/.local/share/quietwav/models"},
		{name: "macos", goos: "darwin", home: "/Users/dev", want: "/Users/dev/Library/Application Support/quietwav/models"},
		{name: "unsupported", goos: "windows", home: "/Users/dev", wantErr: true},
		{name: "no home", goos: "linux", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir, err := DefaultModelDirFor(tc.goos, tc.home, tc.xdg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, dir)
		})
	}
}

func TestDefaultConfigPathFor(t *testing.T) {
	t.Parallel()

	path, err := DefaultConfigPathFor("linux", "/home/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.config/quietwav/config.yaml", path)

	path, err = DefaultConfigPathFor("linux", "/home/dev", "/xdg")
	require.NoError(t, err)
	require.Equal(t, "/xdg/quietwav/config.yaml", path)

	_, err = DefaultConfigPathFor("plan9", "/home/dev", "")
	require.Error(t, err)
}

func TestResolveModelDirOverride(t *testing.T) {
	t.Parallel()

	dir, err := ResolveModelDir("/srv/models/../models/")
	require.NoError(t, err)
	require.Equal(t, "/srv/models", dir)
}

func TestResolveConfigPathOverride(t *testing.T) {
	t.Parallel()

	path, err := ResolveConfigPath("./conf/quietwav.yaml")
	require.NoError(t, err)
	require.Equal(t, "conf/quietwav.yaml", path)
}

func TestResolveTempDirCreatesDirectory(t *testing.T) {
	t.Parallel()

	want := filepath.Join(t.TempDir(), "uploads")
	dir, err := ResolveTempDir(want)
	require.NoError(t, err)
	require.Equal(t, want, dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNormalizeArch(t *testing.T) {
	t.Parallel()

	require.Equal(t, "amd64", NormalizeArch("x86_64"))
	require.Equal(t, "arm64", NormalizeArch("aarch64"))
	require.Equal(t, "riscv64", NormalizeArch("riscv64"))
	require.Equal(t, "linux/amd64", Runtime{OS: "linux", Arch: "amd64"}.String())
}
