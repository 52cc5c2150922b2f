package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
devices:
  - name: default
    backend: hwaudio
    playback: true
    capture: true
    rate: 48000
    channels: 2
    format: s16le
    bufsize: 4096
    fragsize: 1024
listeners:
  - name: ctl
    network: tcp
    address: :7887
    advertise: true
    service_name: _dspd._tcp
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dspd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Devices, 1)
	require.Equal(t, "default", c.Devices[0].Name)
	require.Len(t, c.Listeners, 1)

	params, err := c.Devices[0].Params()
	require.NoError(t, err)
	require.EqualValues(t, 48000, params.Rate)
	require.Equal(t, 2, params.Channels)
}

func TestLoadRejectsNoDirection(t *testing.T) {
	bad := `
devices:
  - name: mute
    backend: hwaudio
    rate: 48000
    channels: 2
    format: s16le
    bufsize: 4096
    fragsize: 1024
`
	path := writeTemp(t, bad)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateDeviceName(t *testing.T) {
	bad := `
devices:
  - name: dup
    backend: hwaudio
    playback: true
    rate: 48000
    channels: 2
    format: s16le
    bufsize: 4096
    fragsize: 1024
  - name: dup
    backend: chardev
    capture: true
    rate: 48000
    channels: 1
    format: s16le
    bufsize: 4096
    fragsize: 1024
`
	path := writeTemp(t, bad)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadFormat(t *testing.T) {
	bad := `
devices:
  - name: x
    backend: hwaudio
    playback: true
    rate: 48000
    channels: 2
    format: nonsense
    bufsize: 4096
    fragsize: 1024
`
	path := writeTemp(t, bad)
	_, err := Load(path)
	require.Error(t, err)
}
