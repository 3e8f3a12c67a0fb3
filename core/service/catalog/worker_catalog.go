// Package catalog holds the static provider catalog, the locale to region
// resolver and the per-section search query builder.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"billscan_worker/core/domain"
	"billscan_worker/pkg/textnorm"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

var ErrInvalidPreset = errors.New("invalid catalog preset")

type document struct {
	Version string                 `yaml:"version"`
	Presets []domain.ServicePreset `yaml:"presets"`
}

// Catalog is the read-only list of known recurring-billing providers.
type Catalog struct {
	version string
	presets []domain.ServicePreset
	byName  map[string]int
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// LoadFile reads a catalog override from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Load returns the file catalog when path is set, the embedded one otherwise.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Version, doc.Presets)
}

// New validates presets and builds a catalog.
func New(version string, presets []domain.ServicePreset) (*Catalog, error) {
	c := &Catalog{
		version: version,
		presets: make([]domain.ServicePreset, 0, len(presets)),
		byName:  make(map[string]int, len(presets)),
	}
	for i, p := range presets {
		if err := validatePreset(p); err != nil {
			return nil, fmt.Errorf("preset %d (%q): %w", i, p.Name, err)
		}
		key := textnorm.Fold(p.Name)
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("preset %d: %w: duplicate name %q", i, ErrInvalidPreset, p.Name)
		}
		c.byName[key] = len(c.presets)
		c.presets = append(c.presets, p)
	}
	return c, nil
}

func validatePreset(p domain.ServicePreset) error {
	if textnorm.Fold(p.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPreset)
	}
	if !p.Section.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownSection, p.Section)
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidPreset, p.Category)
	}
	if !p.Frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidPreset, p.Frequency)
	}
	for _, r := range p.Regions {
		if !KnownRegion(r) {
			return fmt.Errorf("%w: unknown region %q", ErrInvalidPreset, r)
		}
	}
	return nil
}

func (c *Catalog) Version() string {
	return c.version
}

// Presets returns a copy of every preset in catalog order.
func (c *Catalog) Presets() []domain.ServicePreset {
	out := make([]domain.ServicePreset, len(c.presets))
	copy(out, c.presets)
	return out
}

// Lookup finds a preset by name, ignoring case and accents.
func (c *Catalog) Lookup(name string) (domain.ServicePreset, bool) {
	i, ok := c.byName[textnorm.Fold(name)]
	if !ok {
		return domain.ServicePreset{}, false
	}
	return c.presets[i], true
}

// ForRegion returns nationwide presets plus those restricted to region.
func (c *Catalog) ForRegion(region string) []domain.ServicePreset {
	out := make([]domain.ServicePreset, 0, len(c.presets))
	for _, p := range c.presets {
		if appliesTo(p, region) {
			out = append(out, p)
		}
	}
	return out
}

func appliesTo(p domain.ServicePreset, region string) bool {
	if p.Nationwide() {
		return true
	}
	if region == "" {
		return false
	}
	for _, r := range p.Regions {
		if r == region {
			return true
		}
	}
	return false
}
