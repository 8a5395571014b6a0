package elementlib

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"
)

//go:embed catalog.json
var catalogJSON []byte

// Catalog is the built-in element set shipped with the binary.
type Catalog struct {
	Version     string     `json:"version"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Categories  []Category `json:"categories"`
}

// LoadCatalog parses the embedded catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogJSON)
}

// ParseCatalog decodes a catalog document and checks every element in it.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode element catalog: %w", err)
	}
	seen := map[string]bool{}
	for i := range c.Categories {
		cat := &c.Categories[i]
		for j := range cat.Elements {
			el := &cat.Elements[j]
			if el.CategoryID == "" {
				el.CategoryID = cat.ID
			}
			if seen[el.ID] {
				return nil, fmt.Errorf("element catalog: duplicate element id %q", el.ID)
			}
			seen[el.ID] = true
			if res := Validate(*el); !res.Valid {
				return nil, fmt.Errorf("element catalog: %s: %v", el.ID, res.Errors)
			}
		}
	}
	return &c, nil
}
