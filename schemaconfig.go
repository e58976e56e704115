package graphcache

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// schemaConfig is the YAML representation of a Schema:
//
//	types:
//	  - name: Post
//	    id: id
//	    fields:
//	      author: {type: User}
//	      comments: {listOf: Comment}
//	  - name: Membership
//	    id: [org, user]
type schemaConfig struct {
	Types []typeConfig `yaml:"types"`
}

type typeConfig struct {
	Name   string              `yaml:"name"`
	ID     idConfig            `yaml:"id"`
	Fields map[string]Relation `yaml:"fields"`
}

// idConfig names the fields an identifier is derived from: a single field name
// or a sequence of them, joined with "/".
type idConfig []string

func (c *idConfig) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*c = idConfig{value.Value}
		return nil
	case yaml.SequenceNode:
		var fields []string
		if err := value.Decode(&fields); err != nil {
			return err
		}
		*c = fields
		return nil
	}
	return fmt.Errorf("line %d: id must be a field name or a list of field names", value.Line)
}

func (c idConfig) identifier() func(Record) (string, error) {
	if len(c) == 0 || (len(c) == 1 && c[0] == "id") {
		return nil
	}
	fields := []string(c)
	return func(r Record) (string, error) {
		parts := make([]string, len(fields))
		for i, f := range fields {
			parts[i] = scalarID(r[f])
			if parts[i] == "" {
				return "", fmt.Errorf("field %q: %w", f, errMissingID)
			}
		}
		return strings.Join(parts, "/"), nil
	}
}

// UnmarshalYAML accepts the relation forms {type: X} and {listOf: X}.
func (r *Relation) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type   string `yaml:"type"`
		ListOf string `yaml:"listOf"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Type, r.ListOf = raw.Type, raw.ListOf
	return nil
}

// LoadSchema reads a YAML schema description from r and builds the Schema.
func LoadSchema(r io.Reader) (*Schema, error) {
	var cfg schemaConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	types := make([]EntityType, len(cfg.Types))
	for i, t := range cfg.Types {
		types[i] = EntityType{Name: t.Name, ID: t.ID.identifier(), Fields: t.Fields}
	}
	return NewSchema(types...)
}
