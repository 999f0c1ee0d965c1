package events

import (
	"reflect"
	"strings"

	"github.com/nfrund/repobot/internal/codec"
)

// Event[T] names an event type and gives type-safe encoding of its payload.
type Event[T any] struct {
	name string
}

// NewEvent creates a typed event and registers it in the Catalogue.
// Payload field names are read from T's cbor (or json) struct tags.
func NewEvent[T any](name, description string) Event[T] {
	return NewEventIn[T](Catalogue, name, description)
}

// NewEventIn is NewEvent against an explicit registry.
func NewEventIn[T any](r *Registry, name, description string) Event[T] {
	var zero T
	t := reflect.TypeOf(zero)
	typeName := ""
	var fields []string
	if t != nil {
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		typeName = t.Name()
		if t.Kind() == reflect.Struct {
			fields = fieldNames(t)
		}
	}

	// Events are declared at package level; a failure here is a
	// programming error that must stop start-up.
	r.MustRegister(Definition{
		Name:        name,
		Description: description,
		TypeName:    typeName,
		Fields:      fields,
	})

	return Event[T]{name: name}
}

func fieldNames(t reflect.Type) []string {
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("cbor")
		if tag == "" {
			tag = field.Tag.Get("json")
		}
		name, _, _ := strings.Cut(tag, ",")
		switch name {
		case "-":
			continue
		case "":
			name = field.Name
		}
		fields = append(fields, name)
	}
	return fields
}

// Name returns the event type name.
func (e Event[T]) Name() string {
	return e.name
}

// Encode serialises a payload for an envelope.
func (e Event[T]) Encode(payload T) ([]byte, error) {
	return codec.Marshal(payload)
}

// Decode deserialises an envelope payload.
func (e Event[T]) Decode(data []byte) (T, error) {
	var out T
	err := codec.Unmarshal(data, &out)
	return out, err
}
