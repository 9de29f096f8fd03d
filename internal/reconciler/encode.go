package reconciler

import (
	"fmt"

	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/patch"
)

// EncodeValue converts a live property value to wire form. It reports false
// for types the wire format cannot carry and for references to instances the
// authority does not know.
func (r *Reconciler) EncodeValue(raw any) (patch.Value, bool) {
	switch v := raw.(type) {
	case string:
		return patch.String(v), true
	case bool:
		return patch.Bool(v), true
	case int:
		return patch.Int64(int64(v)), true
	case int32:
		return patch.Int64(int64(v)), true
	case int64:
		return patch.Int64(v), true
	case float32:
		return patch.Float64(float64(v)), true
	case float64:
		return patch.Float64(v), true
	case dom.Vector3:
		return patch.Vector3(v.X, v.Y, v.Z), true
	case dom.Color3:
		return patch.Color3(v.R, v.G, v.B), true
	case *dom.Instance:
		if v == nil {
			return patch.Value{}, false
		}
		id, ok := r.instances.IDOf(v)
		if !ok {
			return patch.Value{}, false
		}
		return patch.RefValue(id), true
	}
	return patch.Value{}, false
}

// DecodeValue converts a wire value to the live representation.
func (r *Reconciler) DecodeValue(v patch.Value) (any, error) {
	switch v.Type {
	case patch.TypeString, patch.TypeBool, patch.TypeInt64, patch.TypeFloat64:
		return v.Payload, nil
	case patch.TypeVector3:
		xyz, ok := v.Payload.([3]float64)
		if !ok {
			return nil, fmt.Errorf("bad Vector3 payload %T", v.Payload)
		}
		return dom.Vector3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
	case patch.TypeColor3:
		rgb, ok := v.Payload.([3]float64)
		if !ok {
			return nil, fmt.Errorf("bad Color3 payload %T", v.Payload)
		}
		return dom.Color3{R: rgb[0], G: rgb[1], B: rgb[2]}, nil
	case patch.TypeRef:
		id, ok := v.Payload.(patch.Ref)
		if !ok {
			return nil, fmt.Errorf("bad Ref payload %T", v.Payload)
		}
		inst, ok := r.instances.InstanceOf(id)
		if !ok {
			return nil, fmt.Errorf("ref %s is not a known instance", id)
		}
		return inst, nil
	}
	return nil, fmt.Errorf("%w: %q", patch.ErrUnknownValueType, v.Type)
}
