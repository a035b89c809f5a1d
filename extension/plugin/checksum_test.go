package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package echo\n"), 0o644))

	got, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "blake2b:47e573e48da610cc02158a9423de5df31adc683cc867950ac06f58bf3b3d4ec0", got)

	_, err = Checksum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestChecksumTarget(t *testing.T) {
	m := &Manifest{Runtime: RuntimeInProcess, EntryPoint: "main.go", Binary: "bin/echo"}
	assert.Equal(t, "main.go", m.ChecksumTarget())
	m.Runtime = RuntimeRPC
	assert.Equal(t, "bin/echo", m.ChecksumTarget())
}

func TestVerifyChecksum(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(cleanSource), 0o644))
	sum, err := Checksum(filepath.Join(dir, "main.go"))
	require.NoError(t, err)

	m := &Manifest{Name: "echo", Runtime: RuntimeInProcess, EntryPoint: "main.go"}
	assert.NoError(t, m.VerifyChecksum(dir), "no pin means no check")

	m.Checksum = sum
	assert.NoError(t, m.VerifyChecksum(dir))

	m.Checksum = "blake2b:" + strings.Repeat("0", 64)
	err = m.VerifyChecksum(dir)
	assert.True(t, ecode.IsKind(err, ecode.SecurityViolation))

	m.EntryPoint = "gone.go"
	err = m.VerifyChecksum(dir)
	assert.True(t, ecode.IsKind(err, ecode.PluginLoadFailed))
}

func TestManifestChecksumFormat(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML("echo", "echo.New") + "checksum: sha1:abc\n"))
	require.NoError(t, err)
	err = m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum must be blake2b:<64 hex digits>")
}

func TestLoadRejectsChecksumMismatch(t *testing.T) {
	p := &testPlugin{id: "echo"}
	l, hook, rec := newTestLoader(t, nil, WithRegistry(registryWith(t, "echo.New", p)))

	manifest := manifestYAML("echo", "echo.New") + "checksum: blake2b:" + strings.Repeat("a", 64) + "\n"
	dir := writePlugin(t, t.TempDir(), "echo", manifest, cleanSource)
	_, err := l.Load(context.Background(), dir)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ecode.ErrSecurityViolation))
	assert.Contains(t, err.Error(), "checksum mismatch for main.go")

	installs, _ := hook.counts()
	assert.Zero(t, installs)
	assert.Equal(t, []string{types.EventSecurityViolation, types.EventPluginLoadFailed}, rec.names())
}

func TestLoadAcceptsPinnedChecksum(t *testing.T) {
	l, _, _ := newTestLoader(t, nil, WithRegistry(registryWith(t, "echo.New", &testPlugin{id: "echo"})))

	root := t.TempDir()
	dir := writePlugin(t, root, "echo", manifestYAML("echo", "echo.New"), cleanSource)
	sum, err := Checksum(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"),
		[]byte(manifestYAML("echo", "echo.New")+"checksum: "+sum+"\n"), 0o644))

	loaded, err := l.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, sum, loaded.Manifest.Checksum)
}
