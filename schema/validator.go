package candidateschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/announcements/internal/resolver"
)

//go:embed candidate.schema.json
var candidateSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateCandidate decodes one wire record, checks it against the candidate
// schema and returns the candidate it describes. raw_url is not
// format-checked; an unparseable URL resolves as unidentifiable.
func ValidateCandidate(raw json.RawMessage) (*resolver.Candidate, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode candidate JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize candidate JSON: %w", err)
	}

	var cand resolver.Candidate
	if err := json.Unmarshal(normalized, &cand); err != nil {
		return nil, fmt.Errorf("unmarshal candidate: %w", err)
	}
	if isJSONNull(cand.Payload) {
		cand.Payload = nil
	}

	if err := validateSemantics(&cand); err != nil {
		return nil, err
	}

	return &cand, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("candidate.schema.json", strings.NewReader(candidateSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("candidate.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("candidate is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("candidate contains trailing content")
	}

	return value, nil
}

func validateSemantics(cand *resolver.Candidate) error {
	if cand == nil {
		return fmt.Errorf("candidate is nil")
	}

	if strings.TrimSpace(cand.SourceKind) == "" {
		return fmt.Errorf("source_kind must not be empty")
	}
	if strings.TrimSpace(cand.SourceID) == "" {
		return fmt.Errorf("source_id must not be empty")
	}
	if strings.TrimSpace(cand.RawURL) == "" {
		return fmt.Errorf("raw_url must not be empty")
	}
	return cand.Validate()
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
