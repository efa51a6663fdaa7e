package orchestrator

import (
	"fmt"

	"scalestack/internal/services"
	"scalestack/internal/services/profile"
)

// Catalog returns the descriptors of the built-in services.
func Catalog() []services.Descriptor {
	return []services.Descriptor{
		profile.Descriptor(),
	}
}

// selectServices keeps the descriptors named in load plus everything they
// depend on. An empty load keeps all of them.
func selectServices(all []services.Descriptor, load []string) ([]services.Descriptor, error) {
	if len(load) == 0 {
		return all, nil
	}
	byName := make(map[string]services.Descriptor, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}

	keep := make(map[string]bool)
	var visit func(name, from string) error
	visit = func(name, from string) error {
		if keep[name] {
			return nil
		}
		d, ok := byName[name]
		if !ok {
			if from != "" {
				return fmt.Errorf("%w: %s depends on %s", services.ErrUnknownDependency, from, name)
			}
			return fmt.Errorf("%w: %s", services.ErrNotFound, name)
		}
		keep[name] = true
		for _, dep := range d.Dependencies {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range load {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}

	out := make([]services.Descriptor, 0, len(keep))
	for _, d := range all {
		if keep[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}

// withDefaultRestart fills the unset fields of each descriptor's restart
// policy from def.
func withDefaultRestart(ds []services.Descriptor, def services.RestartPolicy) []services.Descriptor {
	out := make([]services.Descriptor, len(ds))
	for i, d := range ds {
		p := d.Restart
		if p.Mode == "" {
			p.Mode = def.Mode
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = def.MaxRetries
		}
		if p.InitialBackoff == 0 {
			p.InitialBackoff = def.InitialBackoff
		}
		if p.MaxBackoff == 0 {
			p.MaxBackoff = def.MaxBackoff
		}
		if p.Factor == 0 {
			p.Factor = def.Factor
		}
		if p.Jitter == 0 {
			p.Jitter = def.Jitter
		}
		d.Restart = p
		out[i] = d
	}
	return out
}
