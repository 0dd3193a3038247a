package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func newSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := New(root)
	require.NoError(t, err)
	return sb, root
}

func TestCheck_InsideRoot(t *testing.T) {
	sb, root := newSandbox(t)

	assert.NoError(t, sb.Check(filepath.Join(root, "file.txt")))
	assert.NoError(t, sb.Check(filepath.Join(root, "nested", "deep", "file.txt")))
	// Relative paths resolve against the root, not the process cwd.
	assert.NoError(t, sb.Check("file.txt"))
	assert.NoError(t, sb.Check("nested/file.txt"))
	// The root itself is inside.
	assert.NoError(t, sb.Check(root))
}

func TestCheck_EscapeAttempts(t *testing.T) {
	sb, root := newSandbox(t)

	cases := []string{
		"../outside.txt",
		"../../etc/passwd",
		"nested/../../outside.txt",
		filepath.Join(root, "..", "sibling", "file.txt"),
		"/etc/passwd",
	}
	for _, path := range cases {
		err := sb.Check(path)
		require.Error(t, err, "path %q should be rejected", path)
		var rerr *schema.RecoilError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, schema.ErrCodeSandbox, rerr.Code)
	}
}

func TestCheck_PrefixSiblingNotConfused(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "work")
	require.NoError(t, os.Mkdir(root, 0o755))
	sibling := filepath.Join(base, "workspace-evil")
	require.NoError(t, os.Mkdir(sibling, 0o755))

	sb, err := New(root)
	require.NoError(t, err)

	// Shares the "work" string prefix but is not under the root.
	err = sb.Check(filepath.Join(sibling, "file.txt"))
	require.Error(t, err)
}

func TestCheck_SymlinkEscape(t *testing.T) {
	sb, root := newSandbox(t)
	outside := t.TempDir()

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	err := sb.Check(filepath.Join(link, "file.txt"))
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeSandbox, rerr.Code)
}

func TestCheck_NonexistentPathAllowed(t *testing.T) {
	sb, _ := newSandbox(t)

	// New files do not exist yet; the longest existing ancestor decides.
	assert.NoError(t, sb.Check("brand/new/file.txt"))
}

func TestCheck_EmptyAndNullPaths(t *testing.T) {
	sb, _ := newSandbox(t)

	require.Error(t, sb.Check(""))
	require.Error(t, sb.Check("file\x00.txt"))
}

func TestResolve_ReturnsAbsolutePath(t *testing.T) {
	sb, _ := newSandbox(t)

	resolved, err := sb.Resolve("sub/file.txt")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(resolved))
	assert.Equal(t, filepath.Join(sb.Root(), "sub", "file.txt"), resolved)

	_, err = sb.Resolve("../outside.txt")
	require.Error(t, err)
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNew_SymlinkedRoot(t *testing.T) {
	real := t.TempDir()
	base := t.TempDir()
	link := filepath.Join(base, "ws")
	require.NoError(t, os.Symlink(real, link))

	sb, err := New(link)
	require.NoError(t, err)

	// Paths through the symlinked root resolve to the real location and
	// still count as inside.
	assert.NoError(t, sb.Check(filepath.Join(link, "file.txt")))
	assert.NoError(t, sb.Check(filepath.Join(real, "file.txt")))
}
