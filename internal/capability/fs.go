package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/recoilhq/recoil/pkg/schema"
)

const defaultMaxFileSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem capabilities.
type FSConfig struct {
	MaxFileSize int64
}

// FSCapabilities returns the filesystem capability set. All of them are
// reversible: each execution captures the before-state it needs to undo
// itself after a restart.
func FSCapabilities(cfg FSConfig) []Capability {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	return []Capability{
		&fsCreateCap{cfg: cfg},
		&fsWriteCap{cfg: cfg},
		&fsDeleteCap{cfg: cfg},
		&fsCopyCap{cfg: cfg},
		&fsReadCap{cfg: cfg},
	}
}

// marshalResult marshals an output map into a Result.
func marshalResult(outputs map[string]any, undo *UndoHint) (*Result, error) {
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to marshal output: %v", err)
	}
	return &Result{Outputs: json.RawMessage(data), Undo: undo}, nil
}

// mustRaw marshals params for reverse-input records; params built here are
// always marshalable.
func mustRaw(m map[string]any) json.RawMessage {
	data, _ := json.Marshal(m)
	return json.RawMessage(data)
}

// snapshotFile captures a file's content and mode for restore. Returns
// existed=false without error when the file is absent.
func snapshotFile(path string, maxSize int64) (content []byte, mode os.FileMode, existed bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, 0, false, nil
		}
		return nil, 0, false, statErr
	}
	if info.IsDir() {
		return nil, info.Mode().Perm(), true, schema.NewErrorf(schema.ErrCodeExecution, "%q is a directory", path)
	}
	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, 0, false, openErr
	}
	defer f.Close()
	data, readErr := io.ReadAll(io.LimitReader(f, maxSize))
	if readErr != nil {
		return nil, 0, false, readErr
	}
	return data, info.Mode().Perm(), true, nil
}

// restoreUndo builds the reverse record for an operation that clobbered (or
// will clobber) a file: restore the prior content if it existed, delete the
// file otherwise.
func restoreUndo(description, path string, prior []byte, mode os.FileMode, existed bool) *UndoHint {
	if !existed {
		return &UndoHint{
			Description: description,
			ReverseCap:  "fs.delete",
			ReverseInputs: mustRaw(map[string]any{
				"path": path,
			}),
		}
	}
	backup := mustRaw(map[string]any{
		"content_b64": base64.StdEncoding.EncodeToString(prior),
		"mode":        int(mode),
	})
	return &UndoHint{
		Description: description,
		ReverseCap:  "fs.write",
		ReverseInputs: mustRaw(map[string]any{
			"content_b64": base64.StdEncoding.EncodeToString(prior),
			"mode":        int(mode),
			"path":        path,
		}),
		Backup: backup,
	}
}

// --- JSON Schemas ---

const fsCreateInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "content_b64": {"type": "string"},
    "mode": {"type": "integer", "default": 420},
    "create_dirs": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "content_b64": {"type": "string"},
    "mode": {"type": "integer", "default": 420},
    "create_dirs": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsDeleteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"}
  },
  "required": ["path"]
}`

const fsCopyInputSchema = `{
  "type": "object",
  "properties": {
    "src": {"type": "string"},
    "dst": {"type": "string"},
    "create_dirs": {"type": "boolean", "default": false}
  },
  "required": ["src", "dst"]
}`

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

// decodeContent returns the content bytes from either the plain or base64
// param; base64 wins when both are set.
func decodeContent(params map[string]any) ([]byte, error) {
	if b64 := stringParam(params, "content_b64", ""); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid content_b64: %v", err)
		}
		return data, nil
	}
	return []byte(stringParam(params, "content", "")), nil
}

// --- fs.create ---

type fsCreateCap struct{ cfg FSConfig }

func (c *fsCreateCap) Name() string { return "fs.create" }

func (c *fsCreateCap) Spec() Spec {
	return Spec{
		Description:  "Create a new file; fails if the path already exists",
		InputSchema:  json.RawMessage(fsCreateInputSchema),
		SideEffects:  schema.SideEffectFilesystem,
		RiskLevel:    schema.RiskLow,
		Reversible: true,
		// The default rollback deletes whatever path the step created; the
		// template resolves against the step's own recorded inputs.
		Compensation: &schema.CompensationRef{
			Capability: "fs.delete",
			Inputs:     json.RawMessage(`{"path":"{{step.inputs.path}}"}`),
		},
		PathParams: []string{"path"},
	}
}

func (c *fsCreateCap) Execute(_ context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	path := stringParam(params, "path", "")
	content, err := decodeContent(params)
	if err != nil {
		return nil, err
	}
	fileMode := os.FileMode(intParam(params, "mode", 0644))

	if boolParam(params, "create_dirs", false) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.create: failed to create directories: %v", err).WithCause(err)
		}
	}

	// O_EXCL keeps create distinct from write: an existing file is a
	// conflict, never a silent overwrite.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		if os.IsExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "fs.create: %q already exists", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.create: %v", err).WithCause(err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.create: failed to write: %v", err).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.create: %v", err).WithCause(err)
	}

	undo := &UndoHint{
		Description: "delete created file " + path,
		ReverseCap:  "fs.delete",
		ReverseInputs: mustRaw(map[string]any{
			"path": path,
		}),
	}
	return marshalResult(map[string]any{
		"path": path,
		"size": len(content),
	}, undo)
}

// --- fs.write ---

type fsWriteCap struct{ cfg FSConfig }

func (c *fsWriteCap) Name() string { return "fs.write" }

func (c *fsWriteCap) Spec() Spec {
	return Spec{
		Description: "Write content to a file, creating or overwriting it",
		InputSchema: json.RawMessage(fsWriteInputSchema),
		SideEffects: schema.SideEffectFilesystem,
		RiskLevel:   schema.RiskMedium,
		Reversible:  true,
		PathParams:  []string{"path"},
	}
}

func (c *fsWriteCap) Execute(_ context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	path := stringParam(params, "path", "")
	content, err := decodeContent(params)
	if err != nil {
		return nil, err
	}
	fileMode := os.FileMode(intParam(params, "mode", 0644))

	// Capture the before-state first so the overwrite can be undone.
	prior, priorMode, existed, err := snapshotFile(path, c.cfg.MaxFileSize)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: snapshot: %v", err).WithCause(err)
	}

	if boolParam(params, "create_dirs", false) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	if err := os.WriteFile(path, content, fileMode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: %v", err).WithCause(err)
	}

	undo := restoreUndo("restore prior content of "+path, path, prior, priorMode, existed)
	return marshalResult(map[string]any{
		"path":    path,
		"size":    len(content),
		"existed": existed,
	}, undo)
}

// --- fs.delete ---

type fsDeleteCap struct{ cfg FSConfig }

func (c *fsDeleteCap) Name() string { return "fs.delete" }

func (c *fsDeleteCap) Spec() Spec {
	return Spec{
		Description: "Delete a single file",
		InputSchema: json.RawMessage(fsDeleteInputSchema),
		SideEffects: schema.SideEffectFilesystem,
		RiskLevel:   schema.RiskMedium,
		Reversible:  true,
		PathParams:  []string{"path"},
	}
}

func (c *fsDeleteCap) Execute(_ context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	path := stringParam(params, "path", "")

	prior, priorMode, existed, err := snapshotFile(path, c.cfg.MaxFileSize)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.delete: snapshot: %v", err).WithCause(err)
	}
	if !existed {
		// Deleting an absent file is a no-op with nothing to undo.
		return marshalResult(map[string]any{
			"path":    path,
			"deleted": false,
		}, nil)
	}

	if err := os.Remove(path); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.delete: %v", err).WithCause(err)
	}

	undo := restoreUndo("recreate deleted file "+path, path, prior, priorMode, true)
	return marshalResult(map[string]any{
		"path":    path,
		"deleted": true,
	}, undo)
}

// --- fs.copy ---

type fsCopyCap struct{ cfg FSConfig }

func (c *fsCopyCap) Name() string { return "fs.copy" }

func (c *fsCopyCap) Spec() Spec {
	return Spec{
		Description: "Copy a single file to a new location",
		InputSchema: json.RawMessage(fsCopyInputSchema),
		SideEffects: schema.SideEffectFilesystem,
		RiskLevel:   schema.RiskLow,
		Reversible:  true,
		PathParams:  []string{"src", "dst"},
	}
}

func (c *fsCopyCap) Execute(_ context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	src := stringParam(params, "src", "")
	dst := stringParam(params, "dst", "")

	// The destination is what the copy clobbers, so that is the
	// before-state worth keeping.
	prior, priorMode, existed, err := snapshotFile(dst, c.cfg.MaxFileSize)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.copy: snapshot: %v", err).WithCause(err)
	}

	if boolParam(params, "create_dirs", false) {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.copy: failed to create directories: %v", err).WithCause(err)
		}
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.copy: %v", err).WithCause(err)
	}
	if srcInfo.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.copy: %q is a directory", src)
	}

	n, err := copyFile(src, dst, srcInfo.Mode())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.copy: %v", err).WithCause(err)
	}

	undo := restoreUndo("restore copy destination "+dst, dst, prior, priorMode, existed)
	return marshalResult(map[string]any{
		"src":  src,
		"dst":  dst,
		"size": n,
	}, undo)
}

// copyFile copies a single file from src to dst, preserving the given file mode.
func copyFile(src, dst string, mode os.FileMode) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer dstFile.Close()

	n, err := io.Copy(dstFile, srcFile)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// --- fs.read ---

type fsReadCap struct{ cfg FSConfig }

func (c *fsReadCap) Name() string { return "fs.read" }

func (c *fsReadCap) Spec() Spec {
	return Spec{
		Description: "Read the contents of a file",
		InputSchema: json.RawMessage(fsReadInputSchema),
		SideEffects: schema.SideEffectNone,
		RiskLevel:   schema.RiskLow,
		Reversible:  false,
		PathParams:  []string{"path"},
	}
}

func (c *fsReadCap) Execute(_ context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	path := stringParam(params, "path", "")

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, c.cfg.MaxFileSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	enc := stringParam(params, "encoding", "auto")
	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return marshalResult(map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}, nil)
}

// isBinary checks if data contains null bytes (binary detection heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}
