package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"horse.fit/announcements/internal/identity"
	"horse.fit/announcements/internal/priority"
)

// SeedFile is the YAML document edited by operators and applied with
// `rules sync`.
type SeedFile struct {
	DomainRules []RuleEntry     `yaml:"domain_rules"`
	Priorities  []PriorityEntry `yaml:"priorities"`
}

type RuleEntry struct {
	Domain      string   `yaml:"domain"`
	Method      string   `yaml:"method"`
	Params      []string `yaml:"params"`
	PathPattern string   `yaml:"path_pattern"`
	Active      *bool    `yaml:"active"`
}

type PriorityEntry struct {
	SourceKind string `yaml:"source_kind"`
	SourceID   string `yaml:"source_id"`
	Rank       int    `yaml:"rank"`
}

// LoadFile reads and compiles a seed file.
func LoadFile(path string) ([]*identity.Rule, []priority.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed compiles every rule and validates the priorities. A domain may
// appear only once.
func ParseSeed(data []byte) ([]*identity.Rule, []priority.Entry, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("decode seed yaml: %w", err)
	}

	rules := make([]*identity.Rule, 0, len(file.DomainRules))
	seen := make(map[string]int, len(file.DomainRules))
	for i, entry := range file.DomainRules {
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		rule, err := identity.NewRule(identity.RuleSpec{
			Domain:      entry.Domain,
			Method:      entry.Method,
			Params:      entry.Params,
			PathPattern: entry.PathPattern,
			Active:      active,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("domain_rules[%d]: %w", i, err)
		}
		if prev, dup := seen[rule.Domain]; dup {
			return nil, nil, fmt.Errorf("domain_rules[%d]: %s already defined at domain_rules[%d]", i, rule.Domain, prev)
		}
		seen[rule.Domain] = i
		rules = append(rules, rule)
	}

	entries := make([]priority.Entry, 0, len(file.Priorities))
	for _, p := range file.Priorities {
		entries = append(entries, priority.Entry{
			Source: priority.NormalizeSource(p.SourceKind, p.SourceID),
			Rank:   p.Rank,
		})
	}
	if err := priority.ValidateEntries(entries); err != nil {
		return nil, nil, err
	}

	return rules, entries, nil
}
