package candidateschema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateCandidate_Valid(t *testing.T) {
	payload := json.RawMessage(`{
		"source_kind":"aggregator",
		"source_id":"bizinfo",
		"raw_url":"https://example.gov/notice?id=100&ref=5&page=2",
		"title":"2026 startup grant call",
		"published_at":"2026-02-13T14:00:00Z",
		"payload":{"budget":120000000,"tags":["grant","startup"]}
	}`)

	cand, err := ValidateCandidate(payload)
	if err != nil {
		t.Fatalf("expected candidate to be valid, got error: %v", err)
	}

	if cand.SourceKind != "aggregator" || cand.SourceID != "bizinfo" {
		t.Fatalf("unexpected source: %q/%q", cand.SourceKind, cand.SourceID)
	}
	if cand.PublishedAt == nil || cand.PublishedAt.Year() != 2026 {
		t.Fatalf("expected published_at to be parsed, got %v", cand.PublishedAt)
	}
	if !strings.Contains(string(cand.Payload), `"budget":120000000`) {
		t.Fatalf("expected payload to keep large numbers exact, got %s", cand.Payload)
	}
}

func TestValidateCandidate_MalformedURLIsNotRejected(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"gov-direct","source_id":"mss","raw_url":"::not a url::"}`)

	cand, err := ValidateCandidate(payload)
	if err != nil {
		t.Fatalf("expected malformed url to pass validation, got: %v", err)
	}
	if cand.Payload != nil {
		t.Fatalf("expected empty payload, got %s", cand.Payload)
	}
}

func TestValidateCandidate_NullPayload(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"gov-direct","source_id":"mss","raw_url":"https://example.gov/a","payload":null,"published_at":null}`)

	cand, err := ValidateCandidate(payload)
	if err != nil {
		t.Fatalf("expected candidate to be valid, got error: %v", err)
	}
	if cand.Payload != nil || cand.PublishedAt != nil {
		t.Fatalf("expected null fields to be dropped, got %+v", cand)
	}
}

func TestValidateCandidate_MissingRequired(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"aggregator","raw_url":"https://example.gov/a"}`)

	if _, err := ValidateCandidate(payload); err == nil {
		t.Fatalf("expected validation to fail for missing source_id")
	}
}

func TestValidateCandidate_UnknownField(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"aggregator","source_id":"x","raw_url":"https://example.gov/a","score":3}`)

	if _, err := ValidateCandidate(payload); err == nil {
		t.Fatalf("expected validation to fail for unknown field")
	}
}

func TestValidateCandidate_WhitespaceSourceID(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"aggregator","source_id":"   ","raw_url":"https://example.gov/a"}`)

	_, err := ValidateCandidate(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for whitespace-only source_id")
	}
	if !strings.Contains(err.Error(), "source_id must not be empty") {
		t.Fatalf("expected source_id semantic error, got: %v", err)
	}
}

func TestValidateCandidate_BadTimestamp(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"aggregator","source_id":"x","raw_url":"https://example.gov/a","published_at":"yesterday"}`)

	if _, err := ValidateCandidate(payload); err == nil {
		t.Fatalf("expected validation to fail for non RFC3339 published_at")
	}
}

func TestValidateCandidate_TrailingContent(t *testing.T) {
	payload := json.RawMessage(`{"source_kind":"aggregator","source_id":"x","raw_url":"https://example.gov/a"} {}`)

	_, err := ValidateCandidate(payload)
	if err == nil || !strings.Contains(err.Error(), "trailing content") {
		t.Fatalf("expected trailing content error, got: %v", err)
	}
}
