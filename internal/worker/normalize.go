package worker

import (
	"reflect"

	"github.com/zjrosen/orrery/internal/engine"
)

// Normalize rewrites an engine value into its canonical wire shape:
// integer widths collapse to int64, float32 widens to float64, units
// become plain strings, quantities become {value, unit} objects, and
// containers are rewritten recursively. Anything else passes through
// for encoding/json to handle.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int64, float64:
		return v
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case int8:
		return int64(val)
	case uint:
		return int64(val)
	case uint64:
		return int64(val)
	case uint32:
		return int64(val)
	case uint16:
		return int64(val)
	case uint8:
		return int64(val)
	case float32:
		return float64(val)
	case engine.Unit:
		return string(val)
	case engine.Quantity:
		return map[string]any{
			"value": Normalize(val.Value),
			"unit":  Normalize(val.Unit),
		}
	}

	// Typed slices and string-keyed maps ([]float64, map[string]any, ...)
	// normalize element-wise.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = Normalize(iter.Value().Interface())
			}
			return out
		}
	}
	return v
}
