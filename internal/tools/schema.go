package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
)

// Validate checks args against a JSON-schema object definition of the
// shape tools declare in [Tool.Parameters]: required fields must be
// present, and each declared top-level property must match its "type"
// and, when given, its "enum". Nested objects are only checked for
// being objects; tools that accept structured input parse it themselves.
// Properties not declared in the schema are ignored.
func Validate(tool string, schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	for _, field := range stringList(schema["required"]) {
		v, ok := args[field]
		if !ok || v == nil {
			return &ValidationError{Tool: tool, Field: field, Message: "required field is missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		prop, _ := raw.(map[string]any)
		if prop == nil {
			continue
		}
		if typ, _ := prop["type"].(string); typ != "" && !matchesType(typ, v) {
			return &ValidationError{Tool: tool, Field: name, Message: fmt.Sprintf("expected %s, got %T", typ, v)}
		}
		if enum := stringList(prop["enum"]); len(enum) > 0 {
			s, _ := v.(string)
			if !slices.Contains(enum, s) {
				return &ValidationError{Tool: tool, Field: name, Message: fmt.Sprintf("must be one of %v", enum)}
			}
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "number":
		return isNumber(v)
	case "integer":
		_, ok := AsInt(v)
		return ok
	default:
		return true
	}
}

// isNumber accepts json.Number and every Go integer and float kind, so
// arguments built in Go validate like decoded JSON.
func isNumber(v any) bool {
	if n, ok := v.(json.Number); ok {
		_, err := n.Float64()
		return err == nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// AsInt converts a number to an int. It accepts json.Number and any Go
// integer or float kind; floats must be whole and values must fit.
func AsInt(v any) (int, bool) {
	if n, ok := v.(json.Number); ok {
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt {
			return 0, false
		}
		return int(u), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt || f < math.MinInt {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

// stringList accepts both []string (schemas built in Go) and []any
// (schemas decoded from JSON).
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
