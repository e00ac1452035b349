package contract

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/spawner/orchestrator/internal/domain"
)

// SchemaPredicate compiles a JSON schema into a requirement validator.
func SchemaPredicate(schema map[string]any) (func(any) bool, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidSchema.Code, domain.ErrInvalidSchema.Message, err)
	}
	return func(value any) bool {
		result, err := compiled.Validate(gojsonschema.NewGoLoader(value))
		if err != nil {
			return false
		}
		return result.Valid()
	}, nil
}
