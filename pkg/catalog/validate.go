package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("catalog schema not found")

	// ErrValidationFailed indicates the catalog failed validation.
	ErrValidationFailed = errors.New("catalog validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/models/0/provider").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found in a catalog.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "catalog validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON against the catalog schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.CatalogSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded catalog schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.CatalogSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile catalog schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
