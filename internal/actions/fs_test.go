package actions

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

func fsAction(t *testing.T, cfg FSConfig, name string) registry.Action {
	t.Helper()
	return findAction(t, FSActions(cfg), name)
}

func TestFSWriteAndRead(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{ReadRoots: []string{root}, WriteRoots: []string{root}}}

	path := filepath.Join(root, "notes.txt")
	result := execute(t, fsAction(t, cfg, "fs.write"), map[string]any{
		"path":    path,
		"content": "release at dawn",
	})
	assert.Equal(t, path, result["path"])
	assert.Equal(t, float64(len("release at dawn")), result["size"])

	result = execute(t, fsAction(t, cfg, "fs.read"), map[string]any{"path": path})
	assert.Equal(t, "release at dawn", result["content"])
	assert.Equal(t, "text", result["encoding"])
}

func TestFSReadBinaryAutoBase64(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{ReadRoots: []string{root}}}

	raw := []byte{0x00, 0x01, 0xff, 0x10}
	path := filepath.Join(root, "blob.bin")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	result := execute(t, fsAction(t, cfg, "fs.read"), map[string]any{"path": path})
	assert.Equal(t, "base64", result["encoding"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), result["content"])
}

func TestFSWriteCreateDirs(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{WriteRoots: []string{root}}}

	path := filepath.Join(root, "a", "b", "c.txt")
	execute(t, fsAction(t, cfg, "fs.write"), map[string]any{
		"path":        path,
		"content":     "nested",
		"create_dirs": true,
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestFSSandboxDeniesOutsidePaths(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{ReadRoots: []string{root}, WriteRoots: []string{root}}}

	lerr := executeErr(t, fsAction(t, cfg, "fs.read"), map[string]any{
		"path": filepath.Join(outside, "secret.txt"),
	})
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)

	lerr = executeErr(t, fsAction(t, cfg, "fs.write"), map[string]any{
		"path":    filepath.Join(outside, "out.txt"),
		"content": "x",
	})
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestFSList(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{ReadRoots: []string{root}}}

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.log"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.log"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.txt"), []byte("c"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "d.log"), []byte("d"), 0o644))

	result := execute(t, fsAction(t, cfg, "fs.list"), map[string]any{"path": root})
	assert.Len(t, result["entries"], 4)

	result = execute(t, fsAction(t, cfg, "fs.list"), map[string]any{
		"path": root, "pattern": "*.log",
	})
	assert.Len(t, result["entries"], 2)

	result = execute(t, fsAction(t, cfg, "fs.list"), map[string]any{
		"path": root, "pattern": "*.log", "recursive": true,
	})
	assert.Len(t, result["entries"], 3)
}

func TestFSListEmptyDir(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{ReadRoots: []string{root}}}

	result := execute(t, fsAction(t, cfg, "fs.list"), map[string]any{"path": root})
	entries, ok := result["entries"].([]any)
	require.True(t, ok)
	assert.Empty(t, entries)
}

func TestFSStat(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{ReadRoots: []string{root}}}

	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))

	result := execute(t, fsAction(t, cfg, "fs.stat"), map[string]any{"path": path})
	assert.Equal(t, float64(5), result["size"])
	assert.Equal(t, false, result["is_dir"])
	assert.Equal(t, "0644", result["permissions"])

	lerr := executeErr(t, fsAction(t, cfg, "fs.stat"), map[string]any{
		"path": filepath.Join(root, "missing"),
	})
	assert.Equal(t, schema.ErrCodeExecution, lerr.Code)
}

func TestFSDelete(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{Sandbox: Sandbox{WriteRoots: []string{root}}}

	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	result := execute(t, fsAction(t, cfg, "fs.delete"), map[string]any{"path": path})
	assert.Equal(t, true, result["deleted"])
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Non-empty directory needs recursive.
	dir := filepath.Join(root, "d")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))

	executeErr(t, fsAction(t, cfg, "fs.delete"), map[string]any{"path": dir})

	execute(t, fsAction(t, cfg, "fs.delete"), map[string]any{"path": dir, "recursive": true})
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFSReadMaxSizeTruncates(t *testing.T) {
	root := t.TempDir()
	cfg := FSConfig{
		Sandbox:     Sandbox{ReadRoots: []string{root}},
		MaxReadSize: 4,
	}

	path := filepath.Join(root, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	result := execute(t, fsAction(t, cfg, "fs.read"), map[string]any{"path": path})
	assert.Equal(t, "0123", result["content"])
}
