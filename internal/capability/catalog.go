// ABOUTME: Loads capability definitions from TOML catalog files
// ABOUTME: Each [[capability]] table becomes one immutable Capability in the registry

package capability

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type catalogFile struct {
	Capabilities []catalogEntry `toml:"capability"`
}

type catalogEntry struct {
	ID               string   `toml:"id"`
	Name             string   `toml:"name"`
	Description      string   `toml:"description"`
	Requires         []string `toml:"requires"`
	IncompatibleWith []string `toml:"incompatible_with"`
}

// ParseCatalog decodes a TOML catalog document.
//
//	[[capability]]
//	id = "summarize"
//	requires = ["read"]
func ParseCatalog(data string) ([]Capability, error) {
	var file catalogFile
	md, err := toml.Decode(data, &file)
	if err != nil {
		return nil, fmt.Errorf("parsing capability catalog: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown catalog keys: %s", strings.Join(keys, ", "))
	}

	caps := make([]Capability, 0, len(file.Capabilities))
	for _, e := range file.Capabilities {
		caps = append(caps, Capability{
			ID:                   e.ID,
			Name:                 e.Name,
			Description:          e.Description,
			RequiredCapabilities: e.Requires,
			IncompatibleWith:     e.IncompatibleWith,
		})
	}
	return caps, nil
}

// LoadCatalog reads a TOML catalog file and defines its capabilities.
func (r *Registry) LoadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading capability catalog: %w", err)
	}

	caps, err := ParseCatalog(string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := r.DefineAll(caps); err != nil {
		return fmt.Errorf("loading catalog %s: %w", path, err)
	}
	r.logger.Info("capability catalog loaded", "path", path, "count", len(caps))
	return nil
}
