package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueWireForm(t *testing.T) {
	tests := []struct {
		value Value
		wire  string
	}{
		{String("hi"), `{"String":"hi"}`},
		{Bool(true), `{"Bool":true}`},
		{Int64(7), `{"Int64":7}`},
		{Float64(0.25), `{"Float64":0.25}`},
		{Vector3(1, 2, 3), `{"Vector3":[1,2,3]}`},
		{Color3(1, 0, 0), `{"Color3":[1,0,0]}`},
		{RefValue("abc"), `{"Ref":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.value.Type), func(t *testing.T) {
			data, err := json.Marshal(tt.value)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wire, string(data))

			var back Value
			require.NoError(t, json.Unmarshal([]byte(tt.wire), &back))
			assert.True(t, back.Equal(tt.value), "decoded %v, want %v", back, tt.value)
		})
	}
}

func TestValueRejectsUnknownType(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"Region3": [1,2]}`), &v)
	assert.ErrorIs(t, err, ErrUnknownValueType)

	err = json.Unmarshal([]byte(`{"String": "a", "Bool": true}`), &v)
	assert.Error(t, err)

	_, err = json.Marshal(Value{})
	assert.Error(t, err)
}

func TestFromRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Value
	}{
		{"string", "hello", String("hello")},
		{"bool", false, Bool(false)},
		{"int", 3, Int64(3)},
		{"float", 196.2, Float64(196.2)},
		{"list is vector", []any{0, 10.5, 0}, Vector3(0, 10.5, 0)},
		{"typed color", map[string]any{"Color3": []any{1, 0, 0}}, Color3(1, 0, 0)},
		{"typed float from int", map[string]any{"Float64": 2}, Float64(2)},
		{"typed ref", map[string]any{"Ref": "01H"}, RefValue("01H")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromRaw(tt.raw)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestFromRawErrors(t *testing.T) {
	for _, raw := range []any{
		nil,
		[]any{1, 2},
		[]any{"a", "b", "c"},
		map[string]any{"Bool": "yes"},
		map[string]any{"Region3": 1},
		map[string]any{"a": 1, "b": 2},
	} {
		_, err := FromRaw(raw)
		assert.Error(t, err, "FromRaw(%#v)", raw)
	}
}
