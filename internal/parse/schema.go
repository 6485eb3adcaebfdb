// Package parse turns raw fetched content into normalized records using
// declarative extraction schemas. A schema names its fields and where to
// find them; the parser never hard-codes target-site structure.
package parse

import (
	"fmt"
	"strings"
)

// DocType selects the extraction engine for a schema.
type DocType string

const (
	DocHTML DocType = "html"
	DocJSON DocType = "json"
)

// FieldType controls how an extracted string is interpreted.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeNumber    FieldType = "number"
	TypeTimestamp FieldType = "timestamp"
)

// Field maps one record field to a location in the document: a CSS
// selector for HTML schemas, a dot-path for JSON schemas.
type Field struct {
	Name     string    `yaml:"name"`
	Selector string    `yaml:"selector"`
	// Attr extracts an attribute instead of text (HTML only).
	Attr     string    `yaml:"attr,omitempty"`
	Type     FieldType `yaml:"type,omitempty"`
	Required bool      `yaml:"required,omitempty"`
	// Pattern refines the raw value; the first capture group wins, or the
	// whole match when there is none.
	Pattern string `yaml:"pattern,omitempty"`
}

// Schema declares how to extract records from one class of document.
type Schema struct {
	Name string  `yaml:"name"`
	Doc  DocType `yaml:"doc"`
	// Rows selects a repeating container; each match yields one record.
	// Empty means the whole document is one record.
	Rows string `yaml:"rows,omitempty"`
	// Key names the field whose value becomes Record.Key.
	Key string `yaml:"key,omitempty"`
	// Value names the numeric field that becomes Record.Value.
	Value  string  `yaml:"value,omitempty"`
	Fields []Field `yaml:"fields"`
}

// Validate checks internal consistency before the schema is used.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("parse: schema has no name")
	}
	if s.Doc != DocHTML && s.Doc != DocJSON {
		return fmt.Errorf("parse: schema %s: unknown doc type %q", s.Name, s.Doc)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("parse: schema %s has no fields", s.Name)
	}

	names := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" || f.Selector == "" {
			return fmt.Errorf("parse: schema %s: field needs name and selector", s.Name)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("parse: schema %s: duplicate field %s", s.Name, f.Name)
		}
		names[f.Name] = struct{}{}
	}

	for _, ref := range []string{s.Key, s.Value} {
		if ref == "" {
			continue
		}
		if _, ok := names[ref]; !ok {
			return fmt.Errorf("parse: schema %s references unknown field %s", s.Name, ref)
		}
	}
	return nil
}

// MalformedError reports a structural mismatch between schema and
// content. It is a contract violation, never retried.
type MalformedError struct {
	Schema  string
	Missing []string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("parse: schema %s: required fields not found: %s", e.Schema, strings.Join(e.Missing, ", "))
}
