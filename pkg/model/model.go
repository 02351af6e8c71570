// Package model defines the metadata describing a tenant's dynamically
// defined models: field lists, constraint flags, and the Provider interface
// through which the pipeline resolves them.
package model

import (
	"errors"
	"fmt"
)

// ErrModelNotFound is returned by providers when no model with the
// requested name exists for the tenant.
var ErrModelNotFound = errors.New("model not found")

// Record is one row of a dynamically defined model.
type Record = map[string]any

// FieldType enumerates the storable field types.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
	FieldTypeArray     FieldType = "array"
)

// Field describes one column of a model.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	// Immutable fields may be set on create but never changed afterwards.
	Immutable bool `json:"immutable,omitempty"`
	// Sudo fields may only be written by administrative callers.
	Sudo bool `json:"sudo,omitempty"`
	// Tracked fields have their changes recorded by the audit band.
	Tracked bool     `json:"tracked,omitempty"`
	Enum    []string `json:"enum,omitempty"`
	Default any      `json:"default,omitempty"`
}

// Model is the read-only metadata handle consumed by the pipeline.
type Model struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field returns the field with the given name, if any.
func (m *Model) Field(name string) (*Field, bool) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// FieldNames returns the names of all declared fields, in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Validate checks that the definition is internally consistent.
func (m *Model) Validate() error {
	if m.Name == "" {
		return errors.New("model name must not be empty")
	}
	seen := make(map[string]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("model %q: field name must not be empty", m.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("model %q: duplicate field %q", m.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if len(f.Enum) > 0 && f.Type != FieldTypeString {
			return fmt.Errorf("model %q: field %q: enum constraints require a string field", m.Name, f.Name)
		}
	}
	return nil
}
