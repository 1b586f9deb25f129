package tapasco

import (
	"os"
	"reflect"
	"sync"
)

// Plugin is the narrow capability every optional component satisfies.
// Concrete plugins add their own methods beyond Name.
type Plugin interface {
	Name() string
}

// PluginFactory inspects a newly opened device's status blob and
// architecture-region mmap and decides whether to initialise. Returning a
// nil Plugin and nil error means the factory declined (its platform
// component wasn't present in this bitstream).
type PluginFactory func(d *Device, archMem []byte, driverFile *os.File) (Plugin, error)

var (
	pluginFactoriesMu sync.Mutex
	pluginFactories   []PluginFactory
)

// RegisterPlugin appends factory to the process-wide list consulted by
// every OpenDevice call. Intended for package-init-time registration by
// plugin packages, mirroring the static-registration idiom the default
// logger singleton already uses.
func RegisterPlugin(factory PluginFactory) {
	pluginFactoriesMu.Lock()
	defer pluginFactoriesMu.Unlock()
	pluginFactories = append(pluginFactories, factory)
}

// initPlugins runs every registered factory against d, storing whichever
// ones opt in.
func (d *Device) initPlugins() error {
	pluginFactoriesMu.Lock()
	factories := append([]PluginFactory(nil), pluginFactories...)
	pluginFactoriesMu.Unlock()

	for _, factory := range factories {
		p, err := factory(d, d.archMem, d.completionFile)
		if err != nil {
			return WrapError("OpenDevice", CodeDriverIO, err)
		}
		if p == nil {
			continue
		}
		d.plugins[reflect.TypeOf(p)] = p
	}
	return nil
}

// PluginAs retrieves the plugin of concrete type T from d, if one was
// initialised at open time.
func PluginAs[T Plugin](d *Device) (T, bool) {
	var zero T
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.plugins[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	cast, ok := p.(T)
	return cast, ok
}
