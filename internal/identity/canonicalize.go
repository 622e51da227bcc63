package identity

import (
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Reason explains why a URL produced no canonical key.
type Reason string

const (
	ReasonUnconfiguredDomain   Reason = "unconfigured_domain"
	ReasonMissingRequiredParam Reason = "missing_required_param"
	ReasonAllParamsExcluded    Reason = "all_params_excluded"
	ReasonMalformedURL         Reason = "malformed_url"
)

// Reasons lists every unkeyed reason.
func Reasons() []Reason {
	return []Reason{
		ReasonUnconfiguredDomain,
		ReasonMissingRequiredParam,
		ReasonAllParamsExcluded,
		ReasonMalformedURL,
	}
}

// ErrMalformedURL is returned by Domain when a URL has no usable host.
var ErrMalformedURL = errors.New("malformed url")

// Outcome is either Keyed with a canonical key or Unkeyed with a reason.
type Outcome struct {
	key    string
	reason Reason
}

func Keyed(key string) Outcome      { return Outcome{key: key} }
func Unkeyed(reason Reason) Outcome { return Outcome{reason: reason} }

// Key returns the canonical key and true when the outcome is keyed.
func (o Outcome) Key() (string, bool) {
	return o.key, o.key != ""
}

func (o Outcome) IsKeyed() bool { return o.key != "" }

// Reason is empty for keyed outcomes.
func (o Outcome) Reason() Reason {
	if o.key != "" {
		return ""
	}
	return o.reason
}

func (o Outcome) String() string {
	if o.key != "" {
		return "keyed(" + o.key + ")"
	}
	return "unkeyed(" + string(o.reason) + ")"
}

// navigationParams never contribute to identity, even if a rule lists them.
var navigationParams = map[string]struct{}{
	"page":               {},
	"pageindex":          {},
	"pageno":             {},
	"page_no":            {},
	"pagenum":            {},
	"cpage":              {},
	"currentpage":        {},
	"pagesize":           {},
	"page_size":          {},
	"pageunit":           {},
	"recordcountperpage": {},
	"perpage":            {},
	"per_page":           {},
	"rows":               {},
	"limit":              {},
	"offset":             {},
	"start":              {},
	"sort":               {},
	"sortorder":          {},
	"sort_order":         {},
	"order":              {},
	"orderby":            {},
	"order_by":           {},
}

// IsNavigationParam reports whether name is a pagination or sorting parameter.
func IsNavigationParam(name string) bool {
	_, ok := navigationParams[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// NormalizeDomain lowercases a host, drops any port and trailing dot, and
// strips a leading "www.".
func NormalizeDomain(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	return host
}

// Domain extracts the normalized domain of rawURL.
func Domain(rawURL string) (string, error) {
	_, domain, err := parseURL(rawURL)
	return domain, err
}

func parseURL(rawURL string) (*url.URL, string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, "", ErrMalformedURL
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", errors.Join(ErrMalformedURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, "", ErrMalformedURL
	}
	domain := NormalizeDomain(u.Hostname())
	if domain == "" {
		return nil, "", ErrMalformedURL
	}
	return u, domain, nil
}

// Canonicalize derives the canonical key of rawURL under rule. A nil or
// inactive rule, or one configured for another domain, yields
// unconfigured_domain. The result depends only on the set of identity
// parameter values, not on their order in the URL or on any other
// parameter.
func Canonicalize(rawURL string, rule *Rule) Outcome {
	u, domain, err := parseURL(rawURL)
	if err != nil {
		return Unkeyed(ReasonMalformedURL)
	}
	if rule == nil || !rule.Active || rule.Domain != domain {
		return Unkeyed(ReasonUnconfiguredDomain)
	}

	var values map[string][]string
	switch rule.Method {
	case MethodQueryParams:
		query, ok := queryValues(u.RawQuery, rule.paramNames())
		if !ok {
			return Unkeyed(ReasonMalformedURL)
		}
		values = query
	case MethodPathPattern:
		if rule.Pattern == nil {
			return Unkeyed(ReasonUnconfiguredDomain)
		}
		values = pathValues(rule, u.Path)
		if values == nil {
			return Unkeyed(ReasonMissingRequiredParam)
		}
	default:
		return Unkeyed(ReasonUnconfiguredDomain)
	}

	return buildKey(domain, rule.paramNames(), values)
}

// queryValues parses rawQuery. Pairs that fail to decode are dropped unless
// they name a declared parameter, in which case the query is malformed.
func queryValues(rawQuery string, declared []string) (url.Values, bool) {
	values, err := url.ParseQuery(rawQuery)
	if err == nil {
		return values, true
	}

	wanted := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		wanted[name] = struct{}{}
	}
	names := func(key string) bool {
		if _, ok := wanted[key]; ok {
			return true
		}
		if unescaped, err := url.QueryUnescape(key); err == nil {
			_, ok := wanted[unescaped]
			return ok
		}
		return false
	}

	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		if strings.Contains(segment, ";") {
			for _, part := range strings.Split(segment, ";") {
				key, _, _ := strings.Cut(part, "=")
				if names(key) {
					return nil, false
				}
			}
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		_, keyErr := url.QueryUnescape(key)
		_, valueErr := url.QueryUnescape(value)
		if (keyErr != nil || valueErr != nil) && names(key) {
			return nil, false
		}
	}
	return values, true
}

func pathValues(rule *Rule, path string) map[string][]string {
	match := rule.Pattern.FindStringSubmatch(path)
	if match == nil {
		return nil
	}
	names := rule.Pattern.SubexpNames()
	values := make(map[string][]string, len(match)-1)
	for i := 1; i < len(match); i++ {
		name := groupName(names, i)
		values[name] = append(values[name], match[i])
	}
	return values
}

func buildKey(domain string, declared []string, values map[string][]string) Outcome {
	identityParams := make([]string, 0, len(declared))
	for _, name := range declared {
		if IsNavigationParam(name) {
			continue
		}
		identityParams = append(identityParams, name)
	}
	if len(identityParams) == 0 {
		return Unkeyed(ReasonAllParamsExcluded)
	}

	pairs := make([]string, 0, len(identityParams))
	for _, name := range identityParams {
		present := make([]string, 0, len(values[name]))
		for _, value := range values[name] {
			if value == "" {
				continue
			}
			present = append(present, url.QueryEscape(value))
		}
		if len(present) == 0 {
			continue
		}
		sort.Strings(present)
		pairs = append(pairs, url.QueryEscape(name)+"="+strings.Join(present, ","))
	}
	if len(pairs) == 0 {
		return Unkeyed(ReasonMissingRequiredParam)
	}

	return Keyed(domain + "|" + strings.Join(pairs, "&"))
}
