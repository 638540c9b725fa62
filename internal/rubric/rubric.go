// Package rubric defines the evaluation rubric shared by reviewers and the
// drift safeguard. A run carries two rubrics: an immutable "gold" reference
// and a "living" copy that humans may amend between rounds.
package rubric

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Criterion is a single evaluation dimension.
type Criterion struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      float64 `json:"weight" yaml:"weight"`
}

// Rubric is an ordered set of weighted criteria.
type Rubric struct {
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Criteria []Criterion `json:"criteria" yaml:"criteria"`
}

// Load reads a rubric from a YAML file.
func Load(path string) (*Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rubric file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a rubric from YAML bytes and validates it.
func Parse(data []byte) (*Rubric, error) {
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rubric YAML: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks structural soundness: at least one criterion, unique
// names, non-negative weights.
func (r *Rubric) Validate() error {
	if len(r.Criteria) == 0 {
		return fmt.Errorf("rubric has no criteria")
	}
	seen := make(map[string]bool, len(r.Criteria))
	for i, c := range r.Criteria {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("criterion %d has an empty name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate criterion %q", c.Name)
		}
		seen[c.Name] = true
		if c.Weight < 0 {
			return fmt.Errorf("criterion %q has negative weight %v", c.Name, c.Weight)
		}
	}
	return nil
}

// Clone returns a deep copy. The gold rubric is held as a clone so later
// edits to the living rubric cannot reach it.
func (r *Rubric) Clone() *Rubric {
	out := &Rubric{Name: r.Name, Criteria: make([]Criterion, len(r.Criteria))}
	copy(out.Criteria, r.Criteria)
	return out
}

// CriterionNames returns the criterion names in sorted order.
func (r *Rubric) CriterionNames() []string {
	names := make([]string, 0, len(r.Criteria))
	for _, c := range r.Criteria {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Criterion returns the named criterion, if present.
func (r *Rubric) Criterion(name string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.Name == name {
			return c, true
		}
	}
	return Criterion{}, false
}

// TotalWeight returns the sum of all criterion weights.
func (r *Rubric) TotalWeight() float64 {
	var sum float64
	for _, c := range r.Criteria {
		sum += c.Weight
	}
	return sum
}
