// Package workspace manages the per-session directory trees on disk.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Subdirectory names inside a workspace.
const (
	InputDir    = "input"
	SettingsDir = "settings"
	PreviewDir  = "preview"
	OutputDir   = "output"

	// ArchiveName is the converted output archive, stored beside the subdirectories.
	ArchiveName = "output.zip"
)

// Manager owns the directory that holds every session workspace.
type Manager struct {
	root string
}

// Workspace is one session's private directory tree.
type Workspace struct {
	ID        string
	Root      string
	CreatedAt time.Time
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the directory holding all workspaces.
func (m *Manager) Root() string {
	return m.root
}

// Create creates the workspace root for id. It fails if the workspace
// already exists so two sessions never share a tree.
func (m *Manager) Create(id string) (*Workspace, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	root := filepath.Join(m.root, id)
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", id, err)
	}
	return &Workspace{ID: id, Root: root, CreatedAt: time.Now().UTC()}, nil
}

// Open returns the workspace for id without touching the filesystem.
func (m *Manager) Open(id string) *Workspace {
	return &Workspace{ID: id, Root: filepath.Join(m.root, id)}
}

// Exists checks if a workspace directory exists.
func (m *Manager) Exists(id string) (bool, error) {
	if validID(id) != nil {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(m.root, id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// List returns every workspace directory.
func (m *Manager) List() ([]*Workspace, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	workspaces := make([]*Workspace, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ws := m.Open(e.Name())
		if info, err := e.Info(); err == nil {
			ws.CreatedAt = info.ModTime().UTC()
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, nil
}

// Delete removes the workspace for id and everything in it.
func (m *Manager) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.root, id))
}

// Path returns the path of a named entry inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Root, name)
}

func (w *Workspace) Input() string       { return w.Path(InputDir) }
func (w *Workspace) Settings() string    { return w.Path(SettingsDir) }
func (w *Workspace) Preview() string     { return w.Path(PreviewDir) }
func (w *Workspace) Output() string      { return w.Path(OutputDir) }
func (w *Workspace) ArchivePath() string { return w.Path(ArchiveName) }

// Reset clears a subdirectory and creates it again, empty.
func (w *Workspace) Reset(name string) (string, error) {
	dir := w.Path(name)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear %s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	return dir, nil
}

// Remove deletes the workspace root.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Root)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid workspace id %q", id)
	}
	return nil
}
