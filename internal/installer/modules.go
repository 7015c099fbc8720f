package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/polydeploy/internal/archive"
	"github.com/3cpo-dev/polydeploy/internal/deploy"
	"github.com/3cpo-dev/polydeploy/internal/logging"
)

const receiptDir = ".receipts"

// Receipt records one installed package.
type Receipt struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	Archive     string    `json:"archive"`
	InstalledAt time.Time `json:"installed_at"`
}

// Modules extracts each unit into its own folder under Dir and leaves a
// receipt per package. The receipts double as the host inventory, so it also
// satisfies manifest.Inventory.
type Modules struct {
	Dir    string
	Logger zerolog.Logger
	now    func() time.Time
}

func NewModules(dir string) *Modules {
	return &Modules{Dir: dir, Logger: logging.Component("installer.modules"), now: time.Now}
}

func (m *Modules) Name() string { return "modules" }

func (m *Modules) Install(ctx context.Context, u *deploy.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(m.Dir, folderName(u.Name()))
	stage := target + ".partial"
	if err := os.RemoveAll(stage); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	if err := archive.Extract(u.Archive, stage); err != nil {
		_ = os.RemoveAll(stage)
		return fmt.Errorf("extract %s: %w", filepath.Base(u.Archive), err)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	if err := os.Rename(stage, target); err != nil {
		return fmt.Errorf("promote %s: %w", target, err)
	}
	for _, p := range u.Packages {
		if err := m.writeReceipt(p, u.Archive); err != nil {
			return err
		}
	}
	m.Logger.Debug().Str("unit", u.Name()).Str("dir", target).Msg("Extracted")
	return nil
}

func (m *Modules) writeReceipt(p deploy.Package, archivePath string) error {
	dir := filepath.Join(m.Dir, receiptDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir receipts: %w", err)
	}
	b, err := json.MarshalIndent(Receipt{
		Name:        p.Name,
		Version:     p.Version,
		Type:        p.Type,
		Archive:     filepath.Base(archivePath),
		InstalledAt: m.now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.receiptPath(p.Name), b, 0o644); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	return nil
}

func (m *Modules) receiptPath(name string) string {
	return filepath.Join(m.Dir, receiptDir, folderName(name)+".json")
}

// Has reports whether a package called name (any case) has a receipt.
func (m *Modules) Has(name string) bool {
	_, err := os.Stat(m.receiptPath(name))
	return err == nil
}

// Receipts lists every installed package, ordered by file name.
func (m *Modules) Receipts() ([]Receipt, error) {
	entries, err := os.ReadDir(filepath.Join(m.Dir, receiptDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(m.Dir, receiptDir, e.Name()))
		if err != nil {
			return nil, err
		}
		var r Receipt
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, r)
	}
	return out, nil
}

// folderName lower-cases name and replaces anything outside [a-z0-9._-].
// The result never starts with a dot.
func folderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if out == "" || out[0] == '.' {
		out = "_" + out
	}
	return out
}
