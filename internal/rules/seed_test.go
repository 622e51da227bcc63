package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"horse.fit/announcements/internal/identity"
)

const sampleSeed = `
domain_rules:
  - domain: www.example.gov
    method: query_params
    params: [id, ref]
  - domain: board.example.kr
    method: path_pattern
    path_pattern: '^/notice/(?P<nid>\d+)$'
  - domain: retired.example
    method: query_params
    params: [seq]
    active: false
priorities:
  - source_kind: gov-direct
    rank: 1
  - source_kind: aggregator
    source_id: bizinfo
    rank: 2
  - source_kind: aggregator
    source_id: "*"
    rank: 3
`

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleSeed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	rules, priorities, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("unexpected rule count: %d", len(rules))
	}
	if rules[0].Domain != "example.gov" || !rules[0].Active {
		t.Fatalf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].Method != identity.MethodPathPattern || rules[1].Pattern == nil {
		t.Fatalf("unexpected path rule: %+v", rules[1])
	}
	if rules[2].Active {
		t.Fatalf("expected explicit active=false to be kept")
	}
	if len(priorities) != 3 || priorities[1].ID != "bizinfo" || priorities[1].Rank != 2 {
		t.Fatalf("unexpected priorities: %+v", priorities)
	}
}

func TestParseSeed_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate domain",
			yaml: "domain_rules:\n  - {domain: a.gov, method: query_params, params: [id]}\n  - {domain: www.a.gov, method: query_params, params: [seq]}\n",
			want: "already defined",
		},
		{
			name: "bad method",
			yaml: "domain_rules:\n  - {domain: a.gov, method: cookie}\n",
			want: "domain_rules[0]",
		},
		{
			name: "duplicate priority",
			yaml: "priorities:\n  - {source_kind: gov, rank: 1}\n  - {source_kind: GOV, source_id: '*', rank: 2}\n",
			want: "ranked twice",
		},
		{
			name: "not yaml",
			yaml: "domain_rules: [",
			want: "decode seed yaml",
		},
	}
	for _, tc := range cases {
		_, _, err := ParseSeed([]byte(tc.yaml))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: unexpected error %q", tc.name, err.Error())
		}
	}
}
