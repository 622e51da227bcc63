// Package identity derives the canonical identity of an announcement from its
// source URL and the extraction rule configured for the URL's domain.
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// ExtractionMethod selects where identity-bearing values live in a URL.
type ExtractionMethod string

const (
	MethodQueryParams ExtractionMethod = "query_params"
	MethodPathPattern ExtractionMethod = "path_pattern"
)

// ParseExtractionMethod converts a raw string to an ExtractionMethod.
func ParseExtractionMethod(raw string) (ExtractionMethod, error) {
	method := ExtractionMethod(strings.TrimSpace(strings.ToLower(raw)))
	switch method {
	case MethodQueryParams, MethodPathPattern:
		return method, nil
	}
	return "", fmt.Errorf("unknown extraction method %q", raw)
}

// Rule describes how to extract identity-bearing parameters for one domain.
// Build rules with NewRule so the domain is normalized and the path pattern
// is compiled once.
type Rule struct {
	Domain  string
	Method  ExtractionMethod
	Params  []string
	Pattern *regexp.Regexp
	Active  bool
}

// RuleSpec is the uncompiled form of a Rule, as stored in configuration.
type RuleSpec struct {
	Domain      string
	Method      string
	Params      []string
	PathPattern string
	Active      bool
}

// NewRule validates spec and returns a compiled Rule.
func NewRule(spec RuleSpec) (*Rule, error) {
	domain := NormalizeDomain(spec.Domain)
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}

	method, err := ParseExtractionMethod(spec.Method)
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", domain, err)
	}

	rule := &Rule{
		Domain: domain,
		Method: method,
		Active: spec.Active,
	}

	switch method {
	case MethodQueryParams:
		params, err := normalizeParamList(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", domain, err)
		}
		rule.Params = params
	case MethodPathPattern:
		pattern := strings.TrimSpace(spec.PathPattern)
		if pattern == "" {
			return nil, fmt.Errorf("domain %s: path_pattern is required for %s", domain, method)
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("domain %s: compile path_pattern: %w", domain, err)
		}
		if compiled.NumSubexp() == 0 {
			return nil, fmt.Errorf("domain %s: path_pattern must contain at least one capture group", domain)
		}
		rule.Pattern = compiled
	}

	return rule, nil
}

// Spec returns the uncompiled form of r.
func (r *Rule) Spec() RuleSpec {
	if r == nil {
		return RuleSpec{}
	}
	spec := RuleSpec{
		Domain: r.Domain,
		Method: string(r.Method),
		Params: append([]string(nil), r.Params...),
		Active: r.Active,
	}
	if r.Pattern != nil {
		spec.PathPattern = r.Pattern.String()
	}
	return spec
}

// Equal reports whether two rules extract identity the same way.
func (r *Rule) Equal(other *Rule) bool {
	if r == nil || other == nil {
		return r == other
	}
	left, right := r.Spec(), other.Spec()
	if left.Domain != right.Domain || left.Method != right.Method ||
		left.PathPattern != right.PathPattern || left.Active != right.Active {
		return false
	}
	if len(left.Params) != len(right.Params) {
		return false
	}
	for i := range left.Params {
		if left.Params[i] != right.Params[i] {
			return false
		}
	}
	return true
}

// paramNames returns the identity parameter names in declared order. For
// path rules the names come from the pattern's capture groups.
func (r *Rule) paramNames() []string {
	if r.Method == MethodPathPattern && r.Pattern != nil {
		names := r.Pattern.SubexpNames()
		out := make([]string, 0, len(names)-1)
		for i := 1; i < len(names); i++ {
			out = append(out, groupName(names, i))
		}
		return out
	}
	return r.Params
}

func groupName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("%d", i)
}

func normalizeParamList(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("params must not be empty for %s", MethodQueryParams)
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for i, param := range raw {
		name := strings.TrimSpace(param)
		if name == "" {
			return nil, fmt.Errorf("params[%d] must not be empty", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("params[%d] %q is declared twice", i, name)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
