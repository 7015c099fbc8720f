// Package testutil builds zip fixtures for tests.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

// ZipBytes returns an in-memory zip holding files (name -> content).
// Names are written in sorted order so fixtures are stable.
func ZipBytes(t testing.TB, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range sortedKeys(files) {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := f.Write(files[name]); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// WriteZip writes a zip holding files to dir/name and returns its path.
func WriteZip(t testing.TB, dir, name string, files map[string][]byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, ZipBytes(t, files), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// Dependency is a dependency line in a fixture manifest.
type Dependency struct {
	Type  string
	Value string
}

// Manifest renders a minimal .dnn manifest declaring one package.
func Manifest(name, version string, deps ...Dependency) []byte {
	var b bytes.Buffer
	b.WriteString(`<dotnetnuke type="Package" version="5.0"><packages>`)
	fmt.Fprintf(&b, `<package name=%q type="Module" version=%q>`, name, version)
	if len(deps) > 0 {
		b.WriteString("<dependencies>")
		for _, d := range deps {
			fmt.Fprintf(&b, `<dependency type=%q>%s</dependency>`, d.Type, d.Value)
		}
		b.WriteString("</dependencies>")
	}
	b.WriteString("</package></packages></dotnetnuke>")
	return b.Bytes()
}

// PackageZip writes a leaf package archive for name to dir/file.
func PackageZip(t testing.TB, dir, file, name string, deps ...Dependency) string {
	t.Helper()
	return WriteZip(t, dir, file, map[string][]byte{
		name + ".dnn": Manifest(name, "01.00.00", deps...),
		"Resources.zip": ZipBytes(t, map[string][]byte{"view.ascx": []byte("<div></div>")}),
	})
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
