package providers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Category groups assets by the kind of upstream that prices them.
type Category string

const (
	CategoryMetal  Category = "metal"
	CategoryIndex  Category = "index"
	CategoryCrypto Category = "crypto"
)

// Asset describes a priceable instrument and its ticker at each provider.
type Asset struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Symbol   string            `yaml:"symbol"`
	Category Category          `yaml:"category"`
	Tickers  map[string]string `yaml:"tickers"` // provider name -> ticker
}

// Catalog indexes assets by id.
type Catalog struct {
	assets map[string]Asset
}

//go:embed assets.yaml
var defaultCatalog []byte

// DefaultCatalog returns the built-in asset list.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a YAML catalog from path, or the built-in one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes a YAML document of the form `assets: [...]`.
func ParseCatalog(b []byte) (*Catalog, error) {
	var doc struct {
		Assets []Asset `yaml:"assets"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{assets: make(map[string]Asset, len(doc.Assets))}
	for _, a := range doc.Assets {
		if a.ID == "" {
			return nil, fmt.Errorf("catalog asset without id")
		}
		switch a.Category {
		case CategoryMetal, CategoryIndex, CategoryCrypto:
		default:
			return nil, fmt.Errorf("asset %s: unknown category %q", a.ID, a.Category)
		}
		if _, dup := c.assets[a.ID]; dup {
			return nil, fmt.Errorf("duplicate asset id %s", a.ID)
		}
		c.assets[a.ID] = a
	}
	return c, nil
}

// Lookup returns the asset with the given id.
func (c *Catalog) Lookup(id string) (Asset, bool) {
	a, ok := c.assets[id]
	return a, ok
}

// IDs returns all asset ids, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.assets))
	for id := range c.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tickers returns the distinct tickers assets map to at provider, sorted.
func (c *Catalog) Tickers(provider string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range c.assets {
		t := a.Tickers[provider]
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
