// Package schema validates job description documents against the JSON
// schemas shipped under schemas/.
package schema

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ViolationError reports a document that parsed fine but violates its
// schema. The violations are human-readable, one per failed constraint.
type ViolationError struct {
	SchemaPath string
	Violations []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("document violates %s: %s",
		filepath.Base(e.SchemaPath), strings.Join(e.Violations, "; "))
}

// Validate checks doc against the schema at schemaPath. A schema that
// cannot be loaded is an error distinct from a document that fails it.
func Validate(schemaPath string, doc any) error {
	abs, err := filepath.Abs(schemaPath)
	if err != nil {
		return fmt.Errorf("resolve schema path: %w", err)
	}
	schemaLoader := gojsonschema.NewReferenceLoader("file://" + abs)
	docLoader := gojsonschema.NewGoLoader(doc)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("validate against %s: %w", schemaPath, err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return &ViolationError{SchemaPath: schemaPath, Violations: violations}
}
