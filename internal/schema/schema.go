// Package schema validates operation envelopes against the embedded JSON Schemas,
// one per schema tag.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"

	v1 "ledgersync/pkg/api/v1"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const baseURL = "https://ledgersync.local/schemas/"

var (
	ErrUnknownSchema = errors.New("unknown payload schema")
	ErrInvalidData   = errors.New("payload does not match schema")
)

// Validator holds the compiled schemas keyed by tag, e.g. "bill.v1".
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()

	tags := make([]string, 0, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if err := c.AddResource(baseURL+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", e.Name(), err)
		}
		tags = append(tags, strings.TrimSuffix(e.Name(), ".json"))
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(tags))}
	for _, tag := range tags {
		sch, err := c.Compile(baseURL + tag + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", tag, err)
		}
		v.schemas[tag] = sch
	}
	return v, nil
}

// Known reports whether tag names an embedded schema.
func (v *Validator) Known(tag string) bool {
	_, ok := v.schemas[tag]
	return ok
}

// Validate checks env.Data against the schema named by env.Schema.
func (v *Validator) Validate(env v1.Envelope) error {
	sch, ok := v.schemas[env.Schema]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchema, env.Schema)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidData)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}
