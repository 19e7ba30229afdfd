package runtime

import "sort"

// DefaultRegistry provides built-in runtime adapters.
var DefaultRegistry = Registry{}

// Register adds a new adapter factory to the default registry.
func Register(name string, factory AdapterFactory) {
	DefaultRegistry[name] = factory
}

// Backends lists the registered adapter names.
func Backends() []string {
	names := make([]string, 0, len(DefaultRegistry))
	for name := range DefaultRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
