package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/pitabwire/doorhub/model"
)

// jqTransform evaluates a compiled jq program. The first emitted value is the
// DTO.
type jqTransform struct {
	code *gojq.Code
}

// CompileJQ parses and compiles a jq program.
func CompileJQ(source string) (model.Transform, error) {
	parsed, err := gojq.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid jq program: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq program: %w", err)
	}
	return &jqTransform{code: code}, nil
}

// ToDTO runs the program. Errors panic so that Guard substitutes the
// fallback DTO.
func (j *jqTransform) ToDTO(ctx context.Context, api any) any {
	input, err := normalizeForJQ(api)
	if err != nil {
		panic(err)
	}
	iter := j.code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	if err, isErr := v.(error); isErr {
		panic(fmt.Errorf("jq: %w", err))
	}
	return v
}

// normalizeForJQ round-trips values that gojq cannot walk directly. Output of
// encoding/json is already in the accepted shape.
func normalizeForJQ(v any) (any, error) {
	switch v.(type) {
	case nil, map[string]any, []any, string, float64, bool:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
