package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// City is one sub-region collected inside a region task.
type City struct {
	Name string `yaml:"name" json:"name"`
	// Domain is the source-specific site key; derived from Name when empty.
	Domain string `yaml:"domain,omitempty" json:"domain,omitempty"`
	// PostalCode is used for listings that carry no postal code of their own.
	PostalCode string `yaml:"postal_code,omitempty" json:"postal_code,omitempty"`
}

// Region is the unit of parallel collection, e.g. a US state.
type Region struct {
	Code   string `yaml:"code" json:"code"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Cities []City `yaml:"cities" json:"cities"`
}

// Regions is the injected region/city dataset.
type Regions struct {
	Regions []Region `yaml:"regions" json:"regions"`
}

// LoadRegions reads the regions YAML file at path.
func LoadRegions(path string) (*Regions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions file: %w", err)
	}
	return ParseRegions(data)
}

// ParseRegions decodes and validates a regions document.
func ParseRegions(data []byte) (*Regions, error) {
	var regions Regions
	if err := yaml.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("failed to parse regions: %w", err)
	}

	seen := make(map[string]bool)
	for i := range regions.Regions {
		r := &regions.Regions[i]
		r.Code = strings.ToUpper(strings.TrimSpace(r.Code))
		if r.Code == "" {
			return nil, fmt.Errorf("region %d has no code", i)
		}
		if seen[r.Code] {
			return nil, fmt.Errorf("duplicate region code: %s", r.Code)
		}
		seen[r.Code] = true
		for j := range r.Cities {
			r.Cities[j].Name = strings.TrimSpace(r.Cities[j].Name)
			if r.Cities[j].Name == "" {
				return nil, fmt.Errorf("region %s: city %d has no name", r.Code, j)
			}
		}
	}
	return &regions, nil
}

// Select returns the regions whose codes are listed, in the order given.
// An empty list selects every region.
func (r *Regions) Select(codes []string) ([]Region, error) {
	if len(codes) == 0 {
		return r.Regions, nil
	}
	selected := make([]Region, 0, len(codes))
	for _, code := range codes {
		region := r.ByCode(code)
		if region == nil {
			return nil, fmt.Errorf("unknown region: %s", code)
		}
		selected = append(selected, *region)
	}
	return selected, nil
}

// ByCode returns a region by its code, or nil.
func (r *Regions) ByCode(code string) *Region {
	code = strings.ToUpper(strings.TrimSpace(code))
	for i := range r.Regions {
		if r.Regions[i].Code == code {
			return &r.Regions[i]
		}
	}
	return nil
}

// DomainFor returns the city's source domain, falling back to the city name
// lower-cased with spaces removed.
func (c City) DomainFor() string {
	if c.Domain != "" {
		return c.Domain
	}
	return strings.ToLower(strings.ReplaceAll(c.Name, " ", ""))
}
