package deploy

import (
	"fmt"
	"strings"
)

// DependencyKind classifies a declared dependency.
type DependencyKind string

const (
	KindPackage DependencyKind = "package"
	KindOther   DependencyKind = "other"
)

// Dependency is one requirement declared by a package.
type Dependency struct {
	Kind  DependencyKind `json:"kind"`
	Value string         `json:"value"`
	// IsMet is true when something satisfies the dependency, either inside
	// the batch or on the host.
	IsMet bool `json:"is_met"`
	// Installed marks a dependency the host already carries.
	Installed bool `json:"installed"`
}

// Package is a package declaration read from a manifest.
type Package struct {
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	Type         string       `json:"type,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Is reports whether the package answers to name, ignoring case.
func (p Package) Is(name string) bool {
	return strings.EqualFold(p.Name, name)
}

// UnitState is the terminal marker of a unit.
type UnitState string

const (
	StatePending   UnitState = "pending"
	StateInstalled UnitState = "installed"
	StateFailed    UnitState = "failed"
)

// ManifestReader extracts the package declarations from an archive.
type ManifestReader interface {
	ReadPackages(archivePath string) ([]Package, error)
}

// Unit is everything found in one top-level package archive.
type Unit struct {
	Archive  string
	Packages []Package

	state UnitState
	err   error
}

// BuildUnit reads archivePath through r. An archive must declare at least
// one package.
func BuildUnit(r ManifestReader, archivePath string) (*Unit, error) {
	pkgs, err := r.ReadPackages(archivePath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", archivePath, err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("read manifest %s: no packages declared", archivePath)
	}
	return &Unit{Archive: archivePath, Packages: pkgs, state: StatePending}, nil
}

// Name is a label for logs: the first package name.
func (u *Unit) Name() string {
	if len(u.Packages) == 0 {
		return u.Archive
	}
	return u.Packages[0].Name
}

// Provides reports whether the unit declares a package called name.
func (u *Unit) Provides(name string) bool {
	for _, p := range u.Packages {
		if p.Is(name) {
			return true
		}
	}
	return false
}

// State returns the unit's terminal marker, or StatePending before execution.
func (u *Unit) State() UnitState {
	if u.state == "" {
		return StatePending
	}
	return u.state
}

// Err returns the install failure, if any.
func (u *Unit) Err() error { return u.err }

func (u *Unit) markInstalled() { u.state = StateInstalled }

func (u *Unit) markFailed(err error) {
	u.state = StateFailed
	u.err = err
}

// CheckDependencies confirms package dependencies of u that some package in
// the batch provides. Other kinds are resolved outside the batch and always
// count as met. A flag the batch cannot confirm is left as supplied.
func CheckDependencies(u *Unit, batch []*Unit) {
	for i := range u.Packages {
		deps := u.Packages[i].Dependencies
		for j := range deps {
			if deps[j].Kind != KindPackage {
				deps[j].IsMet = true
				continue
			}
			if findProvider(batch, deps[j].Value) != nil {
				deps[j].IsMet = true
			}
		}
	}
}

// findProvider returns the first unit in batch order declaring name.
func findProvider(batch []*Unit, name string) *Unit {
	for _, u := range batch {
		if u.Provides(name) {
			return u
		}
	}
	return nil
}
