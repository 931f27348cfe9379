package graphdef

import (
	"github.com/pkg/errors"
)

// NamedValues maps operator argument names to values of the supported kinds:
// string, bool, int64, float64 and []int64.
//
// After a round-trip through JSON all numbers arrive as float64 and integer
// lists as []any; the typed getters below normalize those, so operator
// constructors don't need to care how the graph was built.
type NamedValues map[string]any

// GetString returns the named string argument, or def if absent.
func (nv NamedValues) GetString(name, def string) (string, error) {
	raw, present := nv[name]
	if !present {
		return def, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", errors.Errorf("argument %q holds %T, want string", name, raw)
	}
	return value, nil
}

// GetBool returns the named bool argument, or def if absent.
func (nv NamedValues) GetBool(name string, def bool) (bool, error) {
	raw, present := nv[name]
	if !present {
		return def, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, errors.Errorf("argument %q holds %T, want bool", name, raw)
	}
	return value, nil
}

// GetInt returns the named integer argument, or def if absent. JSON-decoded
// float64 values are accepted when they are whole.
func (nv NamedValues) GetInt(name string, def int64) (int64, error) {
	raw, present := nv[name]
	if !present {
		return def, nil
	}
	switch value := raw.(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		if value != float64(int64(value)) {
			return 0, errors.Errorf("argument %q holds non-integer number %v", name, value)
		}
		return int64(value), nil
	}
	return 0, errors.Errorf("argument %q holds %T, want integer", name, raw)
}

// GetFloat returns the named float argument, or def if absent.
func (nv NamedValues) GetFloat(name string, def float64) (float64, error) {
	raw, present := nv[name]
	if !present {
		return def, nil
	}
	switch value := raw.(type) {
	case float64:
		return value, nil
	case int64:
		return float64(value), nil
	case int:
		return float64(value), nil
	}
	return 0, errors.Errorf("argument %q holds %T, want float", name, raw)
}

// GetIntList returns the named integer-list argument, or def if absent.
func (nv NamedValues) GetIntList(name string, def []int64) ([]int64, error) {
	raw, present := nv[name]
	if !present {
		return def, nil
	}
	switch value := raw.(type) {
	case []int64:
		return value, nil
	case []any:
		out := make([]int64, len(value))
		for i, elem := range value {
			num, ok := elem.(float64)
			if !ok || num != float64(int64(num)) {
				return nil, errors.Errorf("argument %q element %d holds %T, want integer", name, i, elem)
			}
			out[i] = int64(num)
		}
		return out, nil
	}
	return nil, errors.Errorf("argument %q holds %T, want integer list", name, raw)
}
