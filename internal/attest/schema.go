package attest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed report-v1.schema.json
var reportSchemaJSON []byte

var (
	reportSchema     *jsonschema.Schema
	reportSchemaOnce sync.Once
	reportSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	reportSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("report-v1.schema.json", bytes.NewReader(reportSchemaJSON)); err != nil {
			reportSchemaErr = err
			return
		}
		reportSchema, reportSchemaErr = compiler.Compile("report-v1.schema.json")
	})
	return reportSchema, reportSchemaErr
}

// ValidateJSON checks a JSON report document against the report schema
// before any field is trusted.
func ValidateJSON(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("attest: compile schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("attest: parse report: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("attest: schema validation: %w", err)
	}
	return nil
}
