package deploy

// placement carries the state of one Order call.
type placement struct {
	batch   []*Unit
	placed  map[*Unit]bool
	order   []*Unit
	stack   []*Unit
	onStack map[*Unit]bool
}

// Order returns the units in an installation order where every unit comes
// after the units providing its met package dependencies. Independent units
// keep their batch order. On error no order is returned.
func Order(units []*Unit) ([]*Unit, error) {
	p := &placement{
		batch:   units,
		placed:  make(map[*Unit]bool, len(units)),
		order:   make([]*Unit, 0, len(units)),
		onStack: make(map[*Unit]bool),
	}
	for _, u := range units {
		if p.placed[u] {
			continue
		}
		if err := p.place(u); err != nil {
			return nil, err
		}
	}
	return p.order, nil
}

func (p *placement) place(u *Unit) error {
	if p.onStack[u] {
		chain := make([]string, 0, len(p.stack)+1)
		for _, s := range p.stack {
			chain = append(chain, s.Name())
		}
		return &CircularDependencyError{Chain: append(chain, u.Name())}
	}
	p.stack = append(p.stack, u)
	p.onStack[u] = true

	for _, pkg := range u.Packages {
		for _, dep := range pkg.Dependencies {
			if dep.Kind != KindPackage || !dep.IsMet {
				continue
			}
			provider := findProvider(p.batch, dep.Value)
			if provider == nil {
				if dep.Installed {
					continue
				}
				return &UnfulfilledDependencyError{Unit: u.Archive, Package: pkg.Name, Dependency: dep.Value}
			}
			if p.placed[provider] {
				continue
			}
			if err := p.place(provider); err != nil {
				return err
			}
		}
	}

	p.stack = p.stack[:len(p.stack)-1]
	delete(p.onStack, u)
	p.placed[u] = true
	p.order = append(p.order, u)
	return nil
}
