package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func fsRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, c := range FSCapabilities(FSConfig{}) {
		require.NoError(t, reg.Register(c))
	}
	return reg
}

func execCap(t *testing.T, reg *Registry, name string, params map[string]any) *Result {
	t.Helper()
	c, err := reg.Get(name)
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), Input{Params: params, Confirmed: true})
	require.NoError(t, err)
	return res
}

func outputs(t *testing.T, res *Result) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Outputs, &out))
	return out
}

func TestFSCreate(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "new.txt")

	res := execCap(t, reg, "fs.create", map[string]any{
		"path":    path,
		"content": "hello",
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out := outputs(t, res)
	assert.Equal(t, float64(5), out["size"])

	// The undo hint deletes the created file.
	require.NotNil(t, res.Undo)
	assert.Equal(t, "fs.delete", res.Undo.ReverseCap)
	var rev map[string]any
	require.NoError(t, json.Unmarshal(res.Undo.ReverseInputs, &rev))
	assert.Equal(t, path, rev["path"])
}

func TestFSCreate_ExistingFileConflicts(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "taken.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	c, err := reg.Get("fs.create")
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), Input{Params: map[string]any{"path": path, "content": "clobber"}})
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)

	// The original file is untouched.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestFSWrite_OverwriteUndoRestoresPriorContent(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("version one"), 0o600))

	res := execCap(t, reg, "fs.write", map[string]any{
		"path":    path,
		"content": "version two",
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version two", string(data))

	// Undo rewrites the prior content with the prior mode.
	require.NotNil(t, res.Undo)
	assert.Equal(t, "fs.write", res.Undo.ReverseCap)
	var rev map[string]any
	require.NoError(t, json.Unmarshal(res.Undo.ReverseInputs, &rev))
	prior, err := base64.StdEncoding.DecodeString(rev["content_b64"].(string))
	require.NoError(t, err)
	assert.Equal(t, "version one", string(prior))
	assert.Equal(t, float64(0o600), rev["mode"])

	// Executing the reverse actually restores the file.
	var params map[string]any
	require.NoError(t, json.Unmarshal(res.Undo.ReverseInputs, &params))
	execCap(t, reg, "fs.write", params)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version one", string(data))
}

func TestFSWrite_NewFileUndoDeletes(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "fresh.txt")

	res := execCap(t, reg, "fs.write", map[string]any{
		"path":    path,
		"content": "brand new",
	})

	out := outputs(t, res)
	assert.Equal(t, false, out["existed"])
	require.NotNil(t, res.Undo)
	assert.Equal(t, "fs.delete", res.Undo.ReverseCap)
}

func TestFSDelete_RoundTrip(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "doomed.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o640))

	res := execCap(t, reg, "fs.delete", map[string]any{"path": path})

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, true, outputs(t, res)["deleted"])

	// Undo recreates the file with its original content.
	require.NotNil(t, res.Undo)
	assert.Equal(t, "fs.write", res.Undo.ReverseCap)
	var params map[string]any
	require.NoError(t, json.Unmarshal(res.Undo.ReverseInputs, &params))
	execCap(t, reg, "fs.write", params)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestFSDelete_AbsentFileIsNoOp(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "never-existed.txt")

	res := execCap(t, reg, "fs.delete", map[string]any{"path": path})
	assert.Equal(t, false, outputs(t, res)["deleted"])
	assert.Nil(t, res.Undo)
}

func TestFSCopy(t *testing.T) {
	reg := fsRegistry(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	res := execCap(t, reg, "fs.copy", map[string]any{"src": src, "dst": dst})

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// Destination did not exist; undo deletes it.
	require.NotNil(t, res.Undo)
	assert.Equal(t, "fs.delete", res.Undo.ReverseCap)
}

func TestFSCopy_ClobberedDestinationRestorable(t *testing.T) {
	reg := fsRegistry(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	res := execCap(t, reg, "fs.copy", map[string]any{"src": src, "dst": dst})

	require.NotNil(t, res.Undo)
	assert.Equal(t, "fs.write", res.Undo.ReverseCap)
	var params map[string]any
	require.NoError(t, json.Unmarshal(res.Undo.ReverseInputs, &params))
	execCap(t, reg, "fs.write", params)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestFSRead(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "read.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	res := execCap(t, reg, "fs.read", map[string]any{"path": path})
	out := outputs(t, res)
	assert.Equal(t, "plain text", out["content"])
	assert.Equal(t, "text", out["encoding"])
	assert.Nil(t, res.Undo)
}

func TestFSRead_BinaryAutoBase64(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "bin.dat")
	payload := []byte{0x00, 0x01, 0xff, 0x00}
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	res := execCap(t, reg, "fs.read", map[string]any{"path": path})
	out := outputs(t, res)
	assert.Equal(t, "base64", out["encoding"])
	decoded, err := base64.StdEncoding.DecodeString(out["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestFSCreate_Base64ContentWins(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "b64.txt")

	execCap(t, reg, "fs.create", map[string]any{
		"path":        path,
		"content":     "ignored",
		"content_b64": base64.StdEncoding.EncodeToString([]byte("decoded")),
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "decoded", string(data))
}

func TestFSCreate_CreateDirs(t *testing.T) {
	reg := fsRegistry(t)
	path := filepath.Join(t.TempDir(), "a", "b", "c.txt")

	execCap(t, reg, "fs.create", map[string]any{
		"path":        path,
		"content":     "nested",
		"create_dirs": true,
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}
