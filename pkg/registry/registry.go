package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var defaultTitles = [SectionCount]string{
	"Company Overview",
	"Business Description",
	"Financial Information",
	"Risk Factors",
	"Management & Governance",
	"Capital Structure",
	"Offering Details",
	"Use of Proceeds",
	"Legal & Regulatory",
	"Declarations",
}

// Default returns the built-in catalog without schemas.
func Default() *SectionCatalog {
	c := &SectionCatalog{Version: "1.0.0"}
	for i, title := range defaultTitles {
		c.Sections = append(c.Sections, SectionDefinition{Number: i + 1, Title: title})
	}
	return c
}

// LoadRegistry reads and validates a catalog file.
func LoadRegistry(path string) (*SectionCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c SectionCatalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sort.Slice(c.Sections, func(i, j int) bool { return c.Sections[i].Number < c.Sections[j].Number })
	return &c, nil
}

// LoadOrDefault loads path, falling back to Default when path is empty.
func LoadOrDefault(path string) (*SectionCatalog, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadRegistry(path)
}

// Validate checks that the catalog has exactly sections 1..SectionCount with
// titles and compilable schemas.
func (c *SectionCatalog) Validate() error {
	if len(c.Sections) != SectionCount {
		return fmt.Errorf("catalog must define %d sections, found %d", SectionCount, len(c.Sections))
	}
	seen := make(map[int]bool, SectionCount)
	for _, s := range c.Sections {
		if s.Number < 1 || s.Number > SectionCount {
			return fmt.Errorf("section number %d out of range 1..%d", s.Number, SectionCount)
		}
		if seen[s.Number] {
			return fmt.Errorf("duplicate section number: %d", s.Number)
		}
		seen[s.Number] = true
		if s.Title == "" {
			return fmt.Errorf("section %d missing required field: title", s.Number)
		}
		if len(s.Schema) > 0 {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.Schema)); err != nil {
				return fmt.Errorf("section %d schema: %w", s.Number, err)
			}
		}
	}
	return nil
}

// Lookup returns the definition of section n.
func (c *SectionCatalog) Lookup(n int) (SectionDefinition, bool) {
	for _, s := range c.Sections {
		if s.Number == n {
			return s, true
		}
	}
	return SectionDefinition{}, false
}

// Save writes the catalog as indented JSON, stamping LastUpdated.
func (c *SectionCatalog) Save(path string) error {
	c.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
