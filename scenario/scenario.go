// Package scenario holds the static practice scenarios, proficiency levels and
// the tutor prompt built from them.
package scenario

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

const (
	MinLevel     = 1
	MaxLevel     = 3
	DefaultLevel = MinLevel
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Scenario struct {
	ID          int    `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
	Setting     string `yaml:"setting" json:"-"`
	Quirk       string `yaml:"quirk" json:"-"`
	Goal        string `yaml:"goal" json:"-"`
}

type catalogFile struct {
	Default   int               `yaml:"default"`
	Persona   string            `yaml:"persona"`
	Scenarios []Scenario        `yaml:"scenarios"`
	Levels    map[string]string `yaml:"levels"`
}

// Catalog is immutable once loaded.
type Catalog struct {
	persona   string
	scenarios []Scenario
	byID      map[int]Scenario
	def       Scenario
	levels    map[string]string
}

func LoadCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing scenario catalog: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.New("scenario catalog is empty")
	}
	c := &Catalog{
		persona:   strings.TrimSpace(f.Persona),
		scenarios: make([]Scenario, 0, len(f.Scenarios)),
		byID:      make(map[int]Scenario, len(f.Scenarios)),
		levels:    f.Levels,
	}
	for _, s := range f.Scenarios {
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %d", s.ID)
		}
		c.byID[s.ID] = s
		c.scenarios = append(c.scenarios, s)
	}
	slices.SortFunc(c.scenarios, func(a, b Scenario) int { return a.ID - b.ID })
	def, ok := c.byID[f.Default]
	if !ok {
		def = c.scenarios[0]
	}
	c.def = def
	return c, nil
}

var defaultOnce = sync.OnceValue(func() *Catalog {
	c, err := LoadCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
})

// Default returns the built-in catalog.
func Default() *Catalog {
	return defaultOnce()
}

func (c *Catalog) All() []Scenario {
	return slices.Clone(c.scenarios)
}

func (c *Catalog) DefaultScenario() Scenario {
	return c.def
}

// Lookup falls back to the default scenario for unknown ids.
func (c *Catalog) Lookup(id int) Scenario {
	if s, ok := c.byID[id]; ok {
		return s
	}
	return c.def
}

// Resolve maps a raw identifier (query string, CLI flag) to a scenario.
// Anything that is not a known id resolves to the default scenario.
func (c *Catalog) Resolve(raw string) Scenario {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return c.def
	}
	return c.Lookup(id)
}

func ClampLevel(level int) int {
	return min(max(level, MinLevel), MaxLevel)
}

// ParseLevel resolves a raw level; missing or non-numeric input is DefaultLevel.
func ParseLevel(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultLevel
	}
	return ClampLevel(n)
}

// Instructions composes the tutor persona for a scenario and level.
func (c *Catalog) Instructions(s Scenario, level int) string {
	level = ClampLevel(level)
	var b strings.Builder
	b.WriteString(c.persona)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Setting: %s\n", s.Setting)
	fmt.Fprintf(&b, "Quirk: %s\n", s.Quirk)
	fmt.Fprintf(&b, "Goal: %s\n", s.Goal)
	if guide, ok := c.levels[strconv.Itoa(level)]; ok {
		fmt.Fprintf(&b, "Learner level %d of %d: %s\n", level, MaxLevel, guide)
	}
	return b.String()
}
