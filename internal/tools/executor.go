// Package tools implements sandboxed file tools scoped to a single
// workspace root. Every path is validated against the root before any
// filesystem access; traversal and absolute paths are rejected.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
)

// Tool names in the capability set.
const (
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolListDirectory   = "list_directory"
	ToolCreateDirectory = "create_directory"
	ToolDeleteFile      = "delete_file"
	ToolFileExists      = "file_exists"
)

// Classified tool errors.
var (
	ErrPathOutsideWorkspace = errors.New("tools: path outside workspace")
	ErrNotFound             = errors.New("tools: not found")
	ErrTooLarge             = errors.New("tools: content too large")
	ErrUnknownTool          = errors.New("tools: unknown tool")
)

// IOError wraps an underlying filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("tools: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Result is the outcome of a successful tool call. Data holds per-operation
// fields (content, entries, exists, bytes written).
type Result struct {
	Success bool           `json:"success"`
	Path    string         `json:"path"`
	Data    map[string]any `json:"data,omitempty"`
}

// Executor runs tool calls against the workspace root. Every call runs under
// its own deadline when a timeout is configured.
type Executor struct {
	root     string
	maxBytes int64
	timeout  time.Duration
	logger   *logger.Logger
}

// NewExecutor validates the workspace root and returns an executor. The root
// must be an absolute path to an existing directory.
func NewExecutor(cfg config.ToolsConfig, log *logger.Logger) (*Executor, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, errors.New("tools: workspace root is required")
	}
	if !filepath.IsAbs(cfg.WorkspaceRoot) {
		return nil, fmt.Errorf("tools: workspace root %q is not absolute", cfg.WorkspaceRoot)
	}
	root := filepath.Clean(cfg.WorkspaceRoot)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("tools: workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tools: workspace root %q is not a directory", root)
	}
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	timeout := cfg.ToolTimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{root: root, maxBytes: maxBytes, timeout: timeout, logger: log}, nil
}

// Root returns the workspace root path.
func (e *Executor) Root() string { return e.root }

// Resolve validates a tool-supplied path and returns its absolute location
// inside the workspace. Absolute paths and any path whose cleaned form
// escapes the root are rejected.
func (e *Executor) Resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return e.root, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, rel)
	}
	abs := filepath.Clean(filepath.Join(e.root, rel))
	if abs != e.root && !strings.HasPrefix(abs, e.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, rel)
	}
	return abs, nil
}

// Execute dispatches a named tool call. Arguments are read from args by the
// conventional keys (path, content).
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, _ := args["path"].(string)

	var res *Result
	var err error
	switch name {
	case ToolReadFile:
		res, err = e.readFile(path)
	case ToolWriteFile:
		content, _ := args["content"].(string)
		res, err = e.writeFile(path, content)
	case ToolListDirectory:
		res, err = e.listDirectory(path)
	case ToolCreateDirectory:
		res, err = e.createDirectory(path)
	case ToolDeleteFile:
		res, err = e.deleteFile(path)
	case ToolFileExists:
		res, err = e.fileExists(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err != nil {
		e.logger.Warn("Tool call failed",
			zap.String("tool", name),
			zap.String("path", path),
			zap.Error(err))
		return nil, err
	}
	e.logger.Info("Tool call succeeded",
		zap.String("tool", name),
		zap.String("path", path))
	return res, nil
}

func (e *Executor) readFile(path string) (*Result, error) {
	abs, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	if info.Size() > e.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, info.Size(), e.maxBytes)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return &Result{Success: true, Path: path, Data: map[string]any{
		"content": string(raw),
		"size":    info.Size(),
	}}, nil
}

func (e *Executor) writeFile(path, content string) (*Result, error) {
	abs, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > e.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(content), e.maxBytes)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: path, Err: err}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	return &Result{Success: true, Path: path, Data: map[string]any{
		"bytes_written": len(content),
	}}, nil
}

func (e *Executor) listDirectory(path string) (*Result, error) {
	abs, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &IOError{Op: "list", Path: path, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{Success: true, Path: path, Data: map[string]any{
		"entries": names,
	}}, nil
}

func (e *Executor) createDirectory(path string) (*Result, error) {
	abs, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: path, Err: err}
	}
	return &Result{Success: true, Path: path}, nil
}

func (e *Executor) deleteFile(path string) (*Result, error) {
	abs, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	if abs == e.root {
		return nil, fmt.Errorf("%w: refusing to delete workspace root", ErrPathOutsideWorkspace)
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	if err := os.Remove(abs); err != nil {
		return nil, &IOError{Op: "delete", Path: path, Err: err}
	}
	return &Result{Success: true, Path: path}, nil
}

func (e *Executor) fileExists(path string) (*Result, error) {
	abs, err := e.Resolve(path)
	if err != nil {
		return nil, err
	}
	exists := true
	if _, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) {
			return nil, &IOError{Op: "stat", Path: path, Err: err}
		}
		exists = false
	}
	return &Result{Success: true, Path: path, Data: map[string]any{
		"exists": exists,
	}}, nil
}
