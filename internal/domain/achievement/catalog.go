package achievement

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
)

//go:embed catalog.yaml
var catalogFS embed.FS

type yamlCatalog struct {
	Version      int               `yaml:"version"`
	Achievements []yamlAchievement `yaml:"achievements"`
}

type yamlAchievement struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Rarity      string   `yaml:"rarity"`
	XPReward    int64    `yaml:"xp_reward"`
	Badge       string   `yaml:"badge"`
	Rule        yamlRule `yaml:"rule"`
}

type yamlRule struct {
	Metric    string `yaml:"metric"`
	EventType string `yaml:"event_type"`
	Threshold int64  `yaml:"threshold"`
}

// Catalog is the immutable set of achievement definitions, sorted by id.
type Catalog struct {
	items []Achievement
	byID  map[string]int
}

// LoadCatalog reads the catalog from path, or the embedded default when path
// is empty.
func LoadCatalog(path string) (*Catalog, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = catalogFS.ReadFile("catalog.yaml")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("achievement: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// file is invalid, which the package tests guard against.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog("")
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw yamlCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("achievement: parse catalog: %w", err)
	}

	items := make([]Achievement, 0, len(raw.Achievements))
	for _, y := range raw.Achievements {
		items = append(items, Achievement{
			ID:          strings.TrimSpace(y.ID),
			Name:        y.Name,
			Description: y.Description,
			Category:    Category(y.Category),
			Rarity:      Rarity(y.Rarity),
			XPReward:    y.XPReward,
			Badge:       y.Badge,
			Rule: Rule{
				Metric:    Metric(y.Rule.Metric),
				EventType: ledger.EventType(y.Rule.EventType),
				Threshold: y.Rule.Threshold,
			},
		})
	}
	return NewCatalog(items)
}

// NewCatalog validates definitions and builds a catalog.
func NewCatalog(items []Achievement) (*Catalog, error) {
	var errs []error
	byID := make(map[string]int, len(items))

	sorted := make([]Achievement, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i, a := range sorted {
		if a.ID == "" {
			errs = append(errs, errors.New("achievement with empty id"))
			continue
		}
		if _, dup := byID[a.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate id", a.ID))
			continue
		}
		byID[a.ID] = i
		if !a.Category.IsValid() {
			errs = append(errs, fmt.Errorf("%s: unknown category %q", a.ID, a.Category))
		}
		if !a.Rarity.IsValid() {
			errs = append(errs, fmt.Errorf("%s: unknown rarity %q", a.ID, a.Rarity))
		}
		if a.XPReward < 0 {
			errs = append(errs, fmt.Errorf("%s: negative xp_reward", a.ID))
		}
		if err := a.Rule.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("achievement: invalid catalog: %w", errors.Join(errs...))
	}

	return &Catalog{items: sorted, byID: byID}, nil
}

// All returns the definitions sorted by id.
func (c *Catalog) All() []Achievement {
	out := make([]Achievement, len(c.items))
	copy(out, c.items)
	return out
}

// Get returns a definition by id.
func (c *Catalog) Get(id string) (Achievement, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Achievement{}, false
	}
	return c.items[i], true
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.items) }
