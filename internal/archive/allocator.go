package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const maxAllocAttempts = 16

// DirAllocator hands out fresh, never-before-used directories under Base.
// A name is claimed with an exclusive mkdir, so concurrent callers and
// leftovers from earlier runs cannot collide with it.
type DirAllocator struct {
	Base string
}

// NewDirAllocator returns an allocator rooted at base.
func NewDirAllocator(base string) *DirAllocator {
	return &DirAllocator{Base: base}
}

// Allocate creates and returns a new empty directory under Base.
func (a *DirAllocator) Allocate() (string, error) {
	if err := os.MkdirAll(a.Base, 0o755); err != nil {
		return "", fmt.Errorf("create allocation base: %w", err)
	}
	for i := 0; i < maxAllocAttempts; i++ {
		dir := filepath.Join(a.Base, uuid.NewString())
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("claim %s: %w", dir, err)
		}
	}
	return "", fmt.Errorf("no free directory under %s after %d attempts", a.Base, maxAllocAttempts)
}
