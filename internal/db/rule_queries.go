package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/announcements/internal/identity"
)

// DomainRuleRecord is one row of announce.domain_rules.
type DomainRuleRecord struct {
	RuleID           int64     `json:"rule_id"`
	Domain           string    `json:"domain"`
	ExtractionMethod string    `json:"extraction_method"`
	Params           []string  `json:"params,omitempty"`
	PathPattern      *string   `json:"path_pattern,omitempty"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Rule compiles the record.
func (r DomainRuleRecord) Rule() (*identity.Rule, error) {
	spec := identity.RuleSpec{
		Domain: r.Domain,
		Method: r.ExtractionMethod,
		Params: r.Params,
		Active: r.Active,
	}
	if r.PathPattern != nil {
		spec.PathPattern = *r.PathPattern
	}
	return identity.NewRule(spec)
}

const selectDomainRuleColumns = `
SELECT
	rule_id,
	domain,
	extraction_method::text,
	params,
	path_pattern,
	active,
	updated_at
FROM announce.domain_rules
`

func scanDomainRule(scan func(dest ...any) error) (DomainRuleRecord, error) {
	var (
		rec    DomainRuleRecord
		params []byte
	)
	if err := scan(
		&rec.RuleID,
		&rec.Domain,
		&rec.ExtractionMethod,
		&params,
		&rec.PathPattern,
		&rec.Active,
		&rec.UpdatedAt,
	); err != nil {
		return DomainRuleRecord{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return DomainRuleRecord{}, fmt.Errorf("decode params of rule %d: %w", rec.RuleID, err)
		}
	}
	return rec, nil
}

// FindActiveRule returns the active rule for domain, or nil when the domain
// has none.
func (p *Pool) FindActiveRule(ctx context.Context, domain string) (*identity.Rule, error) {
	domain = identity.NormalizeDomain(domain)
	row := p.QueryRow(ctx, selectDomainRuleColumns+`WHERE domain = $1 AND active LIMIT 1`, domain)
	rec, err := scanDomainRule(row.Scan)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active rule for %s: %w", domain, err)
	}
	rule, err := rec.Rule()
	if err != nil {
		return nil, fmt.Errorf("compile stored rule %d: %w", rec.RuleID, err)
	}
	return rule, nil
}

// ListDomainRules returns every rule, active ones first within a domain.
func (p *Pool) ListDomainRules(ctx context.Context, activeOnly bool) ([]DomainRuleRecord, error) {
	rows, err := p.Query(ctx, selectDomainRuleColumns+`
WHERE (NOT $1 OR active)
ORDER BY domain, active DESC, rule_id DESC
`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query domain rules: %w", err)
	}
	defer rows.Close()

	out := make([]DomainRuleRecord, 0, 32)
	for rows.Next() {
		rec, err := scanDomainRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan domain rule row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain rule rows: %w", err)
	}
	return out, nil
}

// SyncDomainRules makes each given rule the current one for its domain.
// Domains whose active rule already matches are left alone. It returns the
// domains that changed.
func (p *Pool) SyncDomainRules(ctx context.Context, rules []*identity.Rule) ([]string, error) {
	changed := make([]string, 0, len(rules))
	err := p.WithTx(ctx, func(tx Tx) error {
		for _, rule := range rules {
			if rule == nil {
				continue
			}
			same, err := activeRuleMatches(ctx, tx, rule)
			if err != nil {
				return err
			}
			if same {
				continue
			}
			if err := replaceDomainRuleTx(ctx, tx, rule); err != nil {
				return err
			}
			changed = append(changed, rule.Domain)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func activeRuleMatches(ctx context.Context, tx Tx, rule *identity.Rule) (bool, error) {
	row := tx.QueryRow(ctx, selectDomainRuleColumns+`WHERE domain = $1 AND active LIMIT 1`, rule.Domain)
	rec, err := scanDomainRule(row.Scan)
	if err != nil {
		if IsNoRows(err) {
			return !rule.Active, nil
		}
		return false, fmt.Errorf("load active rule for %s: %w", rule.Domain, err)
	}
	current, err := rec.Rule()
	if err != nil {
		return false, nil
	}
	return current.Equal(rule), nil
}

func replaceDomainRuleTx(ctx context.Context, tx Tx, rule *identity.Rule) error {
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
UPDATE announce.domain_rules
SET active = false, updated_at = $2
WHERE domain = $1 AND active
`, rule.Domain, now); err != nil {
		return fmt.Errorf("deactivate rules for %s: %w", rule.Domain, err)
	}
	if !rule.Active {
		return nil
	}

	spec := rule.Spec()
	params := spec.Params
	if params == nil {
		params = []string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params for %s: %w", rule.Domain, err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO announce.domain_rules (
	domain,
	extraction_method,
	params,
	path_pattern,
	active,
	created_at,
	updated_at
)
VALUES ($1, $2::announce.extraction_method, $3::jsonb, NULLIF($4, ''), true, $5, $5)
`, rule.Domain, spec.Method, paramsJSON, spec.PathPattern, now); err != nil {
		return fmt.Errorf("insert rule for %s: %w", rule.Domain, err)
	}
	return nil
}

// DeactivateDomainRule turns off the active rule of domain. ok is false when
// the domain had none.
func (p *Pool) DeactivateDomainRule(ctx context.Context, domain string) (bool, error) {
	tag, err := p.Exec(ctx, `
UPDATE announce.domain_rules
SET active = false, updated_at = $2
WHERE domain = $1 AND active
`, identity.NormalizeDomain(domain), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("deactivate rule for %s: %w", domain, err)
	}
	return tag.RowsAffected() > 0, nil
}
