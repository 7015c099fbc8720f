// Package installer holds the host-side installers a deployment can run
// units through, and a registry to pick one by name.
package installer

import (
	"fmt"
	"sort"

	"github.com/3cpo-dev/polydeploy/internal/deploy"
)

// Installer is a deploy.Installer with a registry name.
type Installer interface {
	deploy.Installer
	Name() string
}

type Registry struct {
	installers map[string]Installer
}

func NewRegistry() *Registry {
	return &Registry{installers: map[string]Installer{}}
}

func (r *Registry) Register(i Installer) {
	r.installers[i.Name()] = i
}

func (r *Registry) Get(name string) (Installer, error) {
	i, ok := r.installers[name]
	if !ok {
		return nil, fmt.Errorf("installer not registered: %s", name)
	}
	return i, nil
}

// Names lists registered installers alphabetically.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.installers))
	for name := range r.installers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
