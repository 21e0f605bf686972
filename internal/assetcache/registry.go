package assetcache

import "slices"

// StoreName returns the name of the store holding the generation tagged version.
func StoreName(prefix, version string) string {
	return prefix + "-" + version
}

// Registry knows which generation is current.
type Registry struct {
	Prefix  string
	Version string
}

// Current returns the current store name.
func (r Registry) Current() string {
	return StoreName(r.Prefix, r.Version)
}

// Stale returns every name in names that is not the current store, in order.
func (r Registry) Stale(names []string) []string {
	current := r.Current()
	stale := make([]string, 0, len(names))
	for _, name := range names {
		if name != current {
			stale = append(stale, name)
		}
	}
	return stale
}

// HasCurrent reports whether names contains the current store.
func (r Registry) HasCurrent(names []string) bool {
	return slices.Contains(names, r.Current())
}
