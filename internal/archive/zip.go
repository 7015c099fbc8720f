package archive

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	// ZipExt is the extension of every archive the scanner considers.
	ZipExt = ".zip"
	// ReservedName is a zip base name that never holds a package.
	ReservedName = "resources"
)

// IsCandidate reports whether the file at p is a zip worth inspecting.
func IsCandidate(p string) bool {
	ext := filepath.Ext(p)
	if !strings.EqualFold(ext, ZipExt) {
		return false
	}
	base := strings.TrimSuffix(filepath.Base(p), ext)
	return !strings.EqualFold(base, ReservedName)
}

// HasEntryWithExt reports whether the zip at p holds an entry whose name ends
// with ext, compared case-insensitively.
func HasEntryWithExt(p, ext string) (bool, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return false, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()
	for _, f := range r.File {
		if strings.EqualFold(path.Ext(f.Name), ext) {
			return true, nil
		}
	}
	return false, nil
}

// Extract unpacks the zip at src into dst. Entries that would land outside
// dst are rejected.
func Extract(src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("mkdir destination: %w", err)
	}
	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("illegal entry path %q", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", f.Name, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
	}
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	return dst.Close()
}
