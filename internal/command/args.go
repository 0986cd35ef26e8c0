package command

import (
	"encoding/json"
	"fmt"
	"math"
)

// UIDKey is the argument that names the subject entity of Delegated commands
// and carries newly allocated UIDs of Distributed spawns.
const UIDKey = "uid"

// Args is the JSON-like argument tree of one request. Values are the types
// produced by encoding/json or the CBOR node codec: nil, bool, string, any
// numeric type, []any and map[string]any.
type Args map[string]any

// Has reports whether key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// UID returns the subject UID.
func (a Args) UID() (string, error) {
	return a.String(UIDKey)
}

// WithUID returns a copy of a with the uid argument set.
func (a Args) WithUID(uid string) Args {
	out := a.Clone()
	if out == nil {
		out = Args{}
	}
	out[UIDKey] = uid
	return out
}

// String returns a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(key, "string", v)
	}
	return s, nil
}

// OptString returns a string argument or def when absent.
func (a Args) OptString(key, def string) (string, error) {
	if !a.Has(key) || a[key] == nil {
		return def, nil
	}
	return a.String(key)
}

// Float returns a required numeric argument.
func (a Args) Float(key string) (float64, error) {
	v, ok := a[key]
	if !ok {
		return 0, missing(key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, wrongType(key, "number", v)
	}
	return f, nil
}

// OptFloat returns a numeric argument or def when absent.
func (a Args) OptFloat(key string, def float64) (float64, error) {
	if !a.Has(key) || a[key] == nil {
		return def, nil
	}
	return a.Float(key)
}

// Int returns a required integral argument. Floats with a fractional part
// are rejected.
func (a Args) Int(key string) (int, error) {
	f, err := a.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%w: %q must be an integer, got %v", ErrInvalidArgument, key, f)
	}
	return int(f), nil
}

// OptInt returns an integral argument or def when absent.
func (a Args) OptInt(key string, def int) (int, error) {
	if !a.Has(key) || a[key] == nil {
		return def, nil
	}
	return a.Int(key)
}

// Bool returns a required boolean argument.
func (a Args) Bool(key string) (bool, error) {
	v, ok := a[key]
	if !ok {
		return false, missing(key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(key, "bool", v)
	}
	return b, nil
}

// OptBool returns a boolean argument or def when absent.
func (a Args) OptBool(key string, def bool) (bool, error) {
	if !a.Has(key) || a[key] == nil {
		return def, nil
	}
	return a.Bool(key)
}

// Object returns a required nested object argument.
func (a Args) Object(key string) (Args, error) {
	v, ok := a[key]
	if !ok {
		return nil, missing(key)
	}
	switch o := v.(type) {
	case map[string]any:
		return Args(o), nil
	case Args:
		return o, nil
	default:
		return nil, wrongType(key, "object", v)
	}
}

// OptObject returns a nested object argument or nil when absent.
func (a Args) OptObject(key string) (Args, error) {
	if !a.Has(key) || a[key] == nil {
		return nil, nil
	}
	return a.Object(key)
}

// Floats returns a required array of numbers.
func (a Args) Floats(key string) ([]float64, error) {
	v, ok := a[key]
	if !ok {
		return nil, missing(key)
	}
	switch t := v.(type) {
	case []float64:
		return append([]float64(nil), t...), nil
	case []any:
		out := make([]float64, len(t))
		for i, x := range t {
			f, ok := toFloat(x)
			if !ok {
				return nil, wrongType(fmt.Sprintf("%s[%d]", key, i), "a number", x)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, wrongType(key, "an array of numbers", v)
	}
}

// Clone returns a deep copy of a.
func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	return cloneValue(map[string]any(a)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case Args:
		return Args(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func missing(key string) error {
	return fmt.Errorf("%w: missing %q", ErrInvalidArgument, key)
}

func wrongType(key, want string, got any) error {
	return fmt.Errorf("%w: %q must be %s, got %T", ErrInvalidArgument, key, want, got)
}
