package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
)

// Attributes is a flat mapping of device attribute names to values
// (strings, numbers or booleans after JSON decoding).
type Attributes map[string]interface{}

// Clone returns a shallow copy. Attribute values are plain JSON
// scalars, so a shallow copy is a full copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	c := make(Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Equal reports whether both maps hold the same keys with the same
// values. Numeric values are compared after normalizing to float64,
// the type encoding/json produces for all JSON numbers.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !valueEqual(v, w) {
			return false
		}
	}
	return true
}

// Diff returns the subset of d whose values differ from a, or are
// absent from a. This is the same computation the shadow service uses
// to derive a delta from desired and reported state.
func (a Attributes) Diff(d Attributes) Attributes {
	out := Attributes{}
	for k, v := range d {
		if w, ok := a[k]; !ok || !valueEqual(v, w) {
			out[k] = v
		}
	}
	return out
}

// valueEqual must be total: attribute values decoded from JSON may be
// objects or arrays, which Go cannot compare with ==.
func valueEqual(v, w interface{}) bool {
	if fv, ok := toFloat(v); ok {
		fw, ok := toFloat(w)
		return ok && fv == fw
	}
	return reflect.DeepEqual(v, w)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Value implements driver.Valuer interface
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner interface
func (a *Attributes) Scan(value interface{}) error {
	if value == nil {
		*a = make(Attributes)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, a)
	case string:
		return json.Unmarshal([]byte(data), a)
	default:
		return fmt.Errorf("cannot scan %T into Attributes", value)
	}
}
