package aigateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/go-playground/validator/v10"
)

var (
	structValidator = validator.New(validator.WithRequiredStructEnabled())
	errEmptyPayload = errors.New("empty payload")
)

// DecodeStructured parses a model's JSON answer into T and validates its `validate` tags.
// Markdown code fences around the document are tolerated.
func DecodeStructured[T any](operation string, raw []byte) (T, error) {
	var value T
	payload := stripCodeFence(raw)
	if len(payload) == 0 {
		return value, &ParseError{Operation: operation, Raw: string(raw), Err: errEmptyPayload}
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	if err := decoder.Decode(&value); err != nil {
		return value, &ParseError{Operation: operation, Raw: string(raw), Err: err}
	}

	kind := reflect.TypeOf(value)
	if kind != nil && kind.Kind() == reflect.Struct {
		if err := structValidator.Struct(value); err != nil {
			var zero T
			return zero, &ParseError{Operation: operation, Raw: string(raw), Err: err}
		}
	}
	return value, nil
}

func stripCodeFence(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte("```")) {
		return trimmed
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("```"))
	if newline := bytes.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}
	trimmed = bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte("```"))
	return bytes.TrimSpace(trimmed)
}
