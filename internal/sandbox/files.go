package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alcovelabs/alcove/internal/alerrors"
	"github.com/alcovelabs/alcove/internal/protocol"
)

// FileInfo describes one workspace entry for listings. Paths are relative to
// the workspace root in slash form.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDirectory"`
	ModTime time.Time `json:"modifiedAt"`
}

// resolve joins a validated relative path onto the workspace root and
// re-checks containment. Validation upstream already rejects traversal; this
// is the second gate at the filesystem boundary.
func (s *Sandbox) resolve(rel string) (string, error) {
	abs := filepath.Join(s.workspaceDir, filepath.FromSlash(rel))
	abs = filepath.Clean(abs)
	root := filepath.Clean(s.workspaceDir)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", alerrors.New(alerrors.CategoryValidation, "sandbox.resolve", s.spaceID,
			fmt.Errorf("path %q escapes the workspace: %w", rel, alerrors.ErrInvalidInput))
	}
	return abs, nil
}

// CreateFile writes content at the given workspace path, creating parent
// directories as needed. Without overwrite an existing file is a conflict.
func (s *Sandbox) CreateFile(path string, content []byte, overwrite bool) (int64, error) {
	if err := s.checkUsable(); err != nil {
		return 0, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return 0, err
	}

	if !overwrite {
		if _, err := os.Stat(abs); err == nil {
			return 0, alerrors.New(alerrors.CategoryExecution, "sandbox.createFile", s.spaceID,
				fmt.Errorf("file %q already exists: %w", path, alerrors.ErrConflict))
		}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, alerrors.System("sandbox.createFile", s.spaceID, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return 0, alerrors.System("sandbox.createFile", s.spaceID, err)
	}
	return int64(len(content)), nil
}

// ReadFile returns the raw bytes of a workspace file.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, alerrors.New(alerrors.CategoryExecution, "sandbox.readFile", s.spaceID,
				fmt.Errorf("file %q: %w", path, alerrors.ErrNotFound))
		}
		return nil, alerrors.System("sandbox.readFile", s.spaceID, err)
	}
	return data, nil
}

// EditFile applies ordered first-occurrence replacements. Application is
// all-or-nothing: if any oldContent is absent the file is left untouched.
func (s *Sandbox) EditFile(path string, edits []protocol.Edit) (int, error) {
	if err := s.checkUsable(); err != nil {
		return 0, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, alerrors.New(alerrors.CategoryExecution, "sandbox.editFile", s.spaceID,
				fmt.Errorf("file %q: %w", path, alerrors.ErrNotFound))
		}
		return 0, alerrors.System("sandbox.editFile", s.spaceID, err)
	}

	text := string(data)
	for i, edit := range edits {
		idx := strings.Index(text, edit.OldContent)
		if idx < 0 {
			return 0, alerrors.New(alerrors.CategoryExecution, "sandbox.editFile", s.spaceID,
				fmt.Errorf("edit %d: oldContent not found in %q", i, path))
		}
		text = text[:idx] + edit.NewContent + text[idx+len(edit.OldContent):]
	}

	if err := os.WriteFile(abs, []byte(text), 0o644); err != nil {
		return 0, alerrors.System("sandbox.editFile", s.spaceID, err)
	}
	return len(edits), nil
}

// DeleteFile removes a workspace file.
func (s *Sandbox) DeleteFile(path string) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return alerrors.New(alerrors.CategoryExecution, "sandbox.deleteFile", s.spaceID,
				fmt.Errorf("file %q: %w", path, alerrors.ErrNotFound))
		}
		return alerrors.System("sandbox.deleteFile", s.spaceID, err)
	}
	return nil
}

// ListFiles lists the workspace entries under relDir, an empty relDir meaning
// the workspace root. The walk is depth-first pre-order: a directory's own
// entry precedes its contents. A missing directory yields an empty list.
func (s *Sandbox) ListFiles(relDir string, recursive bool) ([]FileInfo, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	root := s.workspaceDir
	if relDir != "" {
		abs, err := s.resolve(relDir)
		if err != nil {
			return nil, err
		}
		root = abs
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var entries []FileInfo
	add := func(path string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.workspaceDir, path)
		if err != nil {
			return err
		}
		entry := FileInfo{
			Path:    filepath.ToSlash(rel),
			IsDir:   d.IsDir(),
			ModTime: info.ModTime(),
		}
		if !entry.IsDir {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	}

	if recursive {
		// WalkDir visits each directory before its contents, in lexical
		// order, which is exactly the pre-order guarantee callers get.
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			return add(path, d)
		})
		if err != nil {
			return nil, alerrors.System("sandbox.listFiles", s.spaceID, err)
		}
		return entries, nil
	}

	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, alerrors.System("sandbox.listFiles", s.spaceID, err)
	}
	for _, d := range dirents {
		if err := add(filepath.Join(root, d.Name()), d); err != nil {
			return nil, alerrors.System("sandbox.listFiles", s.spaceID, err)
		}
	}
	return entries, nil
}
