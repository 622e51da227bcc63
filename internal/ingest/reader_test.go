package ingest

import (
	"strings"
	"testing"
)

func TestReadJSONL_KeepsGoodLinesAndReportsBadOnes(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`{"source_kind":"aggregator","source_id":"bizinfo","raw_url":"https://example.gov/notice?id=1"}`,
		``,
		`{"source_kind":"aggregator","raw_url":"https://example.gov/notice?id=2"}`,
		`not json`,
		`{"source_kind":"gov-direct","source_id":"mss","raw_url":"https://example.gov/notice?id=3","payload":{"k":1}}`,
	}, "\n")

	lines, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("expected blank lines to be skipped, got %d lines", len(lines))
	}

	candidates, rejected := Split(lines)
	if len(candidates) != 2 || len(rejected) != 2 {
		t.Fatalf("unexpected split: %d candidates, %d rejected", len(candidates), len(rejected))
	}
	if rejected[0].Number != 3 || rejected[1].Number != 4 {
		t.Fatalf("expected line numbers to count blank lines, got %d and %d", rejected[0].Number, rejected[1].Number)
	}
	if candidates[1].SourceID != "mss" || string(candidates[1].Payload) != `{"k":1}` {
		t.Fatalf("unexpected candidate: %+v", candidates[1])
	}
}

func TestReadFile_Missing(t *testing.T) {
	t.Parallel()

	if _, err := ReadFile(t.TempDir() + "/missing.jsonl"); err == nil {
		t.Fatalf("expected open error")
	}
}
