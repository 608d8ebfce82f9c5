package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem actions.
type FSConfig struct {
	Sandbox     Sandbox
	MaxReadSize int64
}

// FSActions returns all filesystem-related actions.
func FSActions(cfg FSConfig) []registry.Action {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []registry.Action{
		&fsReadAction{cfg: cfg},
		&fsWriteAction{cfg: cfg},
		&fsListAction{cfg: cfg},
		&fsStatAction{cfg: cfg},
		&fsDeleteAction{cfg: cfg},
	}
}

func fileInfoMap(path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
		"permissions": fmt.Sprintf("%04o", info.Mode().Perm()),
	}
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	return abs, nil
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

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "create_dirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer", "default": 420}
  },
  "required": ["path", "content"]
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsPathInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"}
  },
  "required": ["path"]
}`

// --- fs.read ---

type fsReadAction struct{ cfg FSConfig }

func (a *fsReadAction) Name() string { return "fs.read" }

func (a *fsReadAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Read the contents of a file",
		InputSchema: json.RawMessage(fsReadInputSchema),
	}
}

func (a *fsReadAction) Validate(args map[string]any) error {
	if stringParam(args, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.read: missing required param 'path'")
	}
	enc := stringParam(args, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}
	return nil
}

func (a *fsReadAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if err := a.Validate(input.Args); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Args, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Sandbox.CheckRead(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	enc := stringParam(input.Args, "encoding", "auto")
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

	return marshalOutput(map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	})
}

// --- fs.write ---

type fsWriteAction struct{ cfg FSConfig }

func (a *fsWriteAction) Name() string { return "fs.write" }

func (a *fsWriteAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Write content to a file, creating or overwriting it",
		InputSchema: json.RawMessage(fsWriteInputSchema),
	}
}

func (a *fsWriteAction) Validate(args map[string]any) error {
	if stringParam(args, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'path'")
	}
	if _, ok := args["content"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'content'")
	}
	return nil
}

func (a *fsWriteAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if err := a.Validate(input.Args); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Args, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Sandbox.CheckWrite(path); err != nil {
		return nil, err
	}

	content := stringParam(input.Args, "content", "")
	fileMode := os.FileMode(intParam(input.Args, "mode", 0644))

	if boolParam(input.Args, "create_dirs", false) {
		dir := filepath.Dir(path)
		if err := a.cfg.Sandbox.CheckWrite(dir); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	data := []byte(content)
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: %v", err).WithCause(err)
	}

	return marshalOutput(map[string]any{
		"path": path,
		"size": len(data),
	})
}

// --- fs.list ---

type fsListAction struct{ cfg FSConfig }

func (a *fsListAction) Name() string { return "fs.list" }

func (a *fsListAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "List files and directories in a path, optionally filtered by glob pattern",
		InputSchema: json.RawMessage(fsListInputSchema),
	}
}

func (a *fsListAction) Validate(args map[string]any) error {
	if stringParam(args, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.list: missing required param 'path'")
	}
	return nil
}

func (a *fsListAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if err := a.Validate(input.Args); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Args, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Sandbox.CheckRead(path); err != nil {
		return nil, err
	}

	pattern := stringParam(input.Args, "pattern", "")
	recursive := boolParam(input.Args, "recursive", false)

	var entries []map[string]any
	appendEntry := func(name, p string, info fs.FileInfo) {
		entries = append(entries, map[string]any{
			"name":        name,
			"path":        p,
			"size":        info.Size(),
			"modified_at": info.ModTime().UTC().Format(time.RFC3339),
			"is_dir":      info.IsDir(),
		})
	}

	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == path {
				return nil
			}
			if pattern != "" {
				matched, matchErr := filepath.Match(pattern, d.Name())
				if matchErr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
				}
				if !matched {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			appendEntry(d.Name(), p, info)
			return nil
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", err).WithCause(err)
		}
	} else if pattern != "" {
		matches, globErr := filepath.Glob(filepath.Join(path, pattern))
		if globErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, globErr)
		}
		for _, m := range matches {
			info, infoErr := os.Stat(m)
			if infoErr != nil {
				continue
			}
			appendEntry(filepath.Base(m), m, info)
		}
	} else {
		dirEntries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", readErr).WithCause(readErr)
		}
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			appendEntry(d.Name(), filepath.Join(path, d.Name()), info)
		}
	}

	if entries == nil {
		entries = []map[string]any{}
	}

	return marshalOutput(map[string]any{
		"path":    path,
		"entries": entries,
	})
}

// --- fs.stat ---

type fsStatAction struct{ cfg FSConfig }

func (a *fsStatAction) Name() string { return "fs.stat" }

func (a *fsStatAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Get file or directory metadata",
		InputSchema: json.RawMessage(fsPathInputSchema),
	}
}

func (a *fsStatAction) Validate(args map[string]any) error {
	if stringParam(args, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.stat: missing required param 'path'")
	}
	return nil
}

func (a *fsStatAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if err := a.Validate(input.Args); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Args, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Sandbox.CheckRead(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.stat: %v", err).WithCause(err)
	}

	return marshalOutput(fileInfoMap(path, info))
}

// --- fs.delete ---

type fsDeleteAction struct{ cfg FSConfig }

func (a *fsDeleteAction) Name() string { return "fs.delete" }

func (a *fsDeleteAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Delete a file or directory",
		InputSchema: json.RawMessage(fsPathInputSchema),
	}
}

func (a *fsDeleteAction) Validate(args map[string]any) error {
	if stringParam(args, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.delete: missing required param 'path'")
	}
	return nil
}

func (a *fsDeleteAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if err := a.Validate(input.Args); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Args, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Sandbox.CheckWrite(path); err != nil {
		return nil, err
	}

	if boolParam(input.Args, "recursive", false) {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.delete: %v", err).WithCause(err)
	}

	return marshalOutput(map[string]any{
		"path":    path,
		"deleted": true,
	})
}
