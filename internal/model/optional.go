package model

import (
	"bytes"
	"encoding/json"
)

// Optional distinguishes a field that was absent from a JSON payload from one
// that carried an explicit null. Partial updates only touch fields whose Set
// flag is true; a Set field with Valid=false clears the stored value.
type Optional[T any] struct {
	Value T
	Valid bool // false when the client sent an explicit null
	Set   bool // false when the field was absent from the payload
}

// Some wraps a concrete value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Valid: true, Set: true}
}

// Null represents an explicit null sent by the client.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		var zero T
		o.Value = zero
		o.Valid = false
		return nil
	}
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return err
	}
	o.Valid = true
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Ptr returns the value as a pointer, nil when the field was absent or null.
func (o Optional[T]) Ptr() *T {
	if !o.Set || !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}
