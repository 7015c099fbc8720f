package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/polydeploy/internal/archive"
)

// Workspace is the directory tree owned by one deployment run.
type Workspace struct {
	Root string
}

// NewWorkspace allocates a fresh run directory under base and creates its
// intake, modules and temp areas.
func NewWorkspace(base string) (*Workspace, error) {
	root, err := archive.NewDirAllocator(base).Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	return OpenWorkspace(root)
}

// OpenWorkspace uses root as a workspace, creating missing areas.
func OpenWorkspace(root string) (*Workspace, error) {
	ws := &Workspace{Root: root}
	for _, dir := range []string{ws.Root, ws.IntakePath(), ws.ModulesPath(), ws.TempPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return ws, nil
}

// IntakePath holds the uploaded source archives.
func (w *Workspace) IntakePath() string { return filepath.Join(w.Root, "intake") }

// ModulesPath belongs to the installer.
func (w *Workspace) ModulesPath() string { return filepath.Join(w.Root, "modules") }

// TempPath is scratch space for expanding nested archives.
func (w *Workspace) TempPath() string { return filepath.Join(w.Root, "temp") }

// Cleanup removes the scratch area and recreates it empty.
func (w *Workspace) Cleanup() error {
	if err := os.RemoveAll(w.TempPath()); err != nil {
		return fmt.Errorf("remove temp: %w", err)
	}
	return os.MkdirAll(w.TempPath(), 0o755)
}
