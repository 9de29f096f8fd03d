package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var ErrUnknownValueType = errors.New("unknown value type")

// ValueType tags an encoded property value.
type ValueType string

const (
	TypeString  ValueType = "String"
	TypeBool    ValueType = "Bool"
	TypeInt64   ValueType = "Int64"
	TypeFloat64 ValueType = "Float64"
	TypeVector3 ValueType = "Vector3"
	TypeColor3  ValueType = "Color3"
	TypeRef     ValueType = "Ref"
)

// Value is a property value in wire form. On the wire it is a one-key object
// keyed by its type, e.g. {"Vector3": [0, 10, 0]}.
//
// Payload holds a string, bool, int64, float64, [3]float64 or Ref depending
// on Type.
type Value struct {
	Type    ValueType
	Payload any
}

func String(s string) Value { return Value{Type: TypeString, Payload: s} }
func Bool(b bool) Value { return Value{Type: TypeBool, Payload: b} }
func Int64(n int64) Value { return Value{Type: TypeInt64, Payload: n} }
func Float64(f float64) Value { return Value{Type: TypeFloat64, Payload: f} }
func RefValue(r Ref) Value { return Value{Type: TypeRef, Payload: r} }

func Vector3(x, y, z float64) Value {
	return Value{Type: TypeVector3, Payload: [3]float64{x, y, z}}
}

func Color3(r, g, b float64) Value {
	return Value{Type: TypeColor3, Payload: [3]float64{r, g, b}}
}

// Equal compares type and payload.
func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && reflect.DeepEqual(v.Payload, other.Payload)
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.Type, v.Payload)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Type == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnknownValueType)
	}
	return json.Marshal(map[ValueType]any{v.Type: v.Payload})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[ValueType]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("value must have exactly one type key, got %d", len(raw))
	}
	for typ, payload := range raw {
		decoded, err := decodePayload(typ, payload)
		if err != nil {
			return err
		}
		v.Type = typ
		v.Payload = decoded
	}
	return nil
}

func decodePayload(typ ValueType, payload json.RawMessage) (any, error) {
	switch typ {
	case TypeString:
		var s string
		err := json.Unmarshal(payload, &s)
		return s, err
	case TypeBool:
		var b bool
		err := json.Unmarshal(payload, &b)
		return b, err
	case TypeInt64:
		var n int64
		err := json.Unmarshal(payload, &n)
		return n, err
	case TypeFloat64:
		var f float64
		err := json.Unmarshal(payload, &f)
		return f, err
	case TypeVector3, TypeColor3:
		var xyz [3]float64
		err := json.Unmarshal(payload, &xyz)
		return xyz, err
	case TypeRef:
		var r Ref
		err := json.Unmarshal(payload, &r)
		return r, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownValueType, typ)
}

// FromRaw converts a loosely typed value, as produced by decoding YAML or
// JSON into any, to a Value. Scalars map to their natural type, a list of
// three numbers is a Vector3, and a one-key map names the type explicitly:
// {Color3: [1, 0, 0]}.
func FromRaw(raw any) (Value, error) {
	switch v := raw.(type) {
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int64(int64(v)), nil
	case int64:
		return Int64(v), nil
	case float64:
		return Float64(v), nil
	case []any:
		xyz, err := triple(v)
		if err != nil {
			return Value{}, err
		}
		return Vector3(xyz[0], xyz[1], xyz[2]), nil
	case map[string]any:
		if len(v) != 1 {
			return Value{}, fmt.Errorf("typed value must have exactly one key, got %d", len(v))
		}
		for typ, payload := range v {
			return typedFromRaw(ValueType(typ), payload)
		}
	}
	return Value{}, fmt.Errorf("%w: cannot infer type of %T", ErrUnknownValueType, raw)
}

func typedFromRaw(typ ValueType, payload any) (Value, error) {
	switch typ {
	case TypeVector3, TypeColor3:
		list, ok := payload.([]any)
		if !ok {
			return Value{}, fmt.Errorf("%s expects a list of three numbers", typ)
		}
		xyz, err := triple(list)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: typ, Payload: xyz}, nil
	case TypeRef:
		s, ok := payload.(string)
		if !ok {
			return Value{}, errors.New("ref payload must be a string")
		}
		return RefValue(Ref(s)), nil
	case TypeString, TypeBool, TypeInt64, TypeFloat64:
		v, err := FromRaw(payload)
		if err != nil {
			return Value{}, err
		}
		if typ == TypeFloat64 && v.Type == TypeInt64 {
			return Float64(float64(v.Payload.(int64))), nil
		}
		if v.Type != typ {
			return Value{}, fmt.Errorf("%s payload has type %s", typ, v.Type)
		}
		return v, nil
	}
	return Value{}, fmt.Errorf("%w: %q", ErrUnknownValueType, typ)
}

func triple(list []any) ([3]float64, error) {
	var out [3]float64
	if len(list) != 3 {
		return out, fmt.Errorf("expected three numbers, got %d", len(list))
	}
	for i, item := range list {
		switch n := item.(type) {
		case int:
			out[i] = float64(n)
		case int64:
			out[i] = float64(n)
		case float64:
			out[i] = n
		default:
			return out, fmt.Errorf("element %d is %T, not a number", i, item)
		}
	}
	return out, nil
}
