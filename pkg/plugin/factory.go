package plugin

import (
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Factory creates a fresh plugin instance.
type Factory func() Plugin

var factories = cmap.New[Factory]()

// RegisterFactory makes a plugin available by name. It is meant to be called
// from the init function of the plugin's package and panics on duplicates.
func RegisterFactory(name string, f Factory) {
	if name == "" || f == nil {
		panic("plugin: RegisterFactory requires a name and a factory")
	}
	if !factories.SetIfAbsent(name, f) {
		panic(fmt.Sprintf("plugin: factory %s registered twice", name))
	}
}

// LookupFactory returns the factory registered under name.
func LookupFactory(name string) (Factory, bool) {
	return factories.Get(name)
}

// Factories returns the sorted names of every registered factory.
func Factories() []string {
	names := factories.Keys()
	sort.Strings(names)
	return names
}
