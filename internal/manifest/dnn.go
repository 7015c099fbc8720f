// Package manifest reads package declarations out of DNN-style .dnn
// manifests stored inside package archives.
package manifest

import (
	"fmt"
	"path"
	"strings"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/zip"

	"github.com/3cpo-dev/polydeploy/internal/deploy"
)

// Inventory tells which packages the host already carries.
type Inventory interface {
	Has(name string) bool
}

// DNNReader implements deploy.ManifestReader for archives holding .dnn files.
type DNNReader struct {
	Ext       string
	Inventory Inventory
}

// NewDNNReader returns a reader for manifests ending in ext (".dnn" if empty).
// inv may be nil.
func NewDNNReader(ext string, inv Inventory) *DNNReader {
	if ext == "" {
		ext = ".dnn"
	}
	return &DNNReader{Ext: ext, Inventory: inv}
}

// ReadPackages parses every manifest entry in the archive, in entry order.
func (r *DNNReader) ReadPackages(archivePath string) ([]deploy.Package, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	var pkgs []deploy.Package
	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), r.Ext) {
			continue
		}
		found, err := r.readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		pkgs = append(pkgs, found...)
	}
	return pkgs, nil
}

func (r *DNNReader) readEntry(f *zip.File) ([]deploy.Package, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	var pkgs []deploy.Package
	for _, el := range doc.FindElements("//packages/package") {
		name := strings.TrimSpace(el.SelectAttrValue("name", ""))
		if name == "" {
			return nil, fmt.Errorf("package element without name")
		}
		pkgs = append(pkgs, deploy.Package{
			Name:         name,
			Version:      el.SelectAttrValue("version", ""),
			Type:         el.SelectAttrValue("type", ""),
			Dependencies: r.dependencies(el),
		})
	}
	return pkgs, nil
}

func (r *DNNReader) dependencies(pkg *etree.Element) []deploy.Dependency {
	var deps []deploy.Dependency
	for _, el := range pkg.FindElements("dependencies/dependency") {
		dep := deploy.Dependency{
			Kind:  deploy.KindOther,
			Value: strings.TrimSpace(el.Text()),
		}
		if strings.EqualFold(el.SelectAttrValue("type", ""), string(deploy.KindPackage)) {
			dep.Kind = deploy.KindPackage
			if r.Inventory != nil && r.Inventory.Has(dep.Value) {
				dep.IsMet = true
				dep.Installed = true
			}
		}
		deps = append(deps, dep)
	}
	return deps
}
