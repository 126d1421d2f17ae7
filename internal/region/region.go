// Package region holds the catalog of selectable latency endpoints.
package region

import (
	"errors"
	"fmt"
	"strings"
)

// Region is a named latency target. Tag is a short display marker such as a
// flag.
type Region struct {
	ID     string `json:"id" yaml:"id"`
	Label  string `json:"label" yaml:"label"`
	Target string `json:"target" yaml:"target"`
	Tag    string `json:"tag,omitempty" yaml:"tag"`
}

var ErrUnknown = errors.New("unknown region")

// Defaults is the built-in catalog. The first entry is the default.
func Defaults() []Region {
	return []Region{
		{ID: "auto", Label: "Auto (Nearest Edge)", Target: "https://cdnjs.cloudflare.com/ajax/libs/react/18.2.0/umd/react.production.min.js", Tag: "🌍"},
		{ID: "us-east", Label: "US East (N. Virginia)", Target: "https://s3.us-east-1.amazonaws.com", Tag: "🇺🇸"},
		{ID: "us-west", Label: "US West (Oregon)", Target: "https://s3.us-west-2.amazonaws.com", Tag: "🇺🇸"},
		{ID: "eu-west", Label: "EU West (Ireland)", Target: "https://s3.eu-west-1.amazonaws.com", Tag: "🇪🇺"},
		{ID: "eu-central", Label: "EU Central (Frankfurt)", Target: "https://s3.eu-central-1.amazonaws.com", Tag: "🇩🇪"},
		{ID: "ap-northeast", Label: "Asia Pacific (Tokyo)", Target: "https://s3.ap-northeast-1.amazonaws.com", Tag: "🇯🇵"},
		{ID: "sa-east", Label: "South America (São Paulo)", Target: "https://s3.sa-east-1.amazonaws.com", Tag: "🇧🇷"},
	}
}

// DefaultSpeedTargets are large static payloads on public CDNs used by the
// throughput loop.
func DefaultSpeedTargets() []string {
	return []string{
		"https://raw.githubusercontent.com/mrdoob/three.js/master/examples/textures/planets/earth_atmos_2048.jpg",
		"https://images.unsplash.com/photo-1579546929518-9e396f3cc809?fm=jpg&w=2000&q=80",
		"https://cdnjs.cloudflare.com/ajax/libs/three.js/r128/three.min.js",
	}
}

// Catalog is an immutable ordered set of regions.
type Catalog struct {
	regions []Region
	byID    map[string]int
	def     int
}

// NewCatalog validates regions and picks defaultID, or the first region when
// defaultID is empty.
func NewCatalog(regions []Region, defaultID string) (*Catalog, error) {
	if len(regions) == 0 {
		return nil, errors.New("region catalog is empty")
	}
	c := &Catalog{
		regions: make([]Region, len(regions)),
		byID:    make(map[string]int, len(regions)),
	}
	for i, r := range regions {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, fmt.Errorf("regions[%d].id is required", i)
		}
		if strings.TrimSpace(r.Target) == "" {
			return nil, fmt.Errorf("regions[%d].target is required", i)
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate region id %q", r.ID)
		}
		if r.Label == "" {
			r.Label = r.ID
		}
		c.regions[i] = r
		c.byID[r.ID] = i
	}
	if defaultID != "" {
		idx, ok := c.byID[defaultID]
		if !ok {
			return nil, fmt.Errorf("default region %q: %w", defaultID, ErrUnknown)
		}
		c.def = idx
	}
	return c, nil
}

// DefaultCatalog wraps Defaults.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Defaults(), "")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) All() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

func (c *Catalog) Lookup(id string) (Region, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return Region{}, false
	}
	return c.regions[idx], true
}

func (c *Catalog) Default() Region {
	return c.regions[c.def]
}

func (c *Catalog) Len() int {
	return len(c.regions)
}
