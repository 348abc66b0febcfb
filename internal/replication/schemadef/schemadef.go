// Package schemadef loads table definitions from YAML documents and binds
// them to dynamic objects (Object maps).
package schemadef

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"netstate.dev/internal/replication/schema"
)

type Doc struct {
	Tables []TableDef `yaml:"tables" json:"tables"`
	// Roots are the tables registered for replication, in ID order. Empty
	// means every table nothing else embeds.
	Roots []string `yaml:"roots,omitempty" json:"roots,omitempty"`
}

type TableDef struct {
	Name  string    `yaml:"name" json:"name"`
	Props []PropDef `yaml:"props" json:"props"`
}

type PropDef struct {
	Name  string   `yaml:"name,omitempty" json:"name,omitempty"`
	Kind  string   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Bits  int      `yaml:"bits,omitempty" json:"bits,omitempty"`
	Low   float32  `yaml:"low,omitempty" json:"low,omitempty"`
	High  float32  `yaml:"high,omitempty" json:"high,omitempty"`
	Flags []string `yaml:"flags,omitempty" json:"flags,omitempty"`

	Max     int      `yaml:"max,omitempty" json:"max,omitempty"`
	Element *PropDef `yaml:"element,omitempty" json:"element,omitempty"`

	Table string `yaml:"table,omitempty" json:"table,omitempty"`
	// Inline tables read their props from the enclosing object.
	Inline bool `yaml:"inline,omitempty" json:"inline,omitempty"`

	Exclude *ExcludeDef `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

type ExcludeDef struct {
	Table string `yaml:"table" json:"table"`
	Prop  string `yaml:"prop" json:"prop"`
}

const docSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tables"],
  "additionalProperties": false,
  "properties": {
    "tables": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "props"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
          "props": {"type": "array", "items": {"$ref": "#/$defs/prop"}}
        }
      }
    },
    "roots": {"type": "array", "items": {"type": "string"}}
  },
  "$defs": {
    "prop": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "kind": {"enum": ["int", "float", "vector", "vectorxy", "string", "array", "table"]},
        "bits": {"type": "integer", "minimum": 0, "maximum": 32},
        "low": {"type": "number"},
        "high": {"type": "number"},
        "flags": {
          "type": "array",
          "items": {"enum": ["unsigned", "noscale", "rounddown", "roundup", "varint", "always_resend", "tick_relative", "proxied"]}
        },
        "max": {"type": "integer", "minimum": 1, "maximum": 1024},
        "element": {"$ref": "#/$defs/prop"},
        "table": {"type": "string"},
        "inline": {"type": "boolean"},
        "exclude": {
          "type": "object",
          "required": ["table", "prop"],
          "additionalProperties": false,
          "properties": {"table": {"type": "string"}, "prop": {"type": "string"}}
        }
      },
      "oneOf": [
        {"required": ["exclude"], "not": {"required": ["kind"]}},
        {"required": ["name", "kind"], "not": {"required": ["exclude"]}}
      ]
    }
  }
}`

var compiled = jsonschema.MustCompileString("schemadef.json", docSchema)

func Load(path string) (*Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse decodes and validates a schema document.
func Parse(raw []byte) (*Doc, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("schemadef: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	js, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("schemadef: %w", err)
	}
	var inst any
	if err := json.Unmarshal(js, &inst); err != nil {
		return nil, fmt.Errorf("schemadef: %w", err)
	}
	if err := compiled.Validate(inst); err != nil {
		return nil, fmt.Errorf("schemadef: %w", err)
	}

	var d Doc
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("schemadef: %w", err)
	}
	return &d, nil
}

// Build resolves table references and returns the root tables in order.
func (d *Doc) Build() ([]*schema.Table, error) {
	defs := map[string]*TableDef{}
	for i := range d.Tables {
		td := &d.Tables[i]
		if _, dup := defs[td.Name]; dup {
			return nil, fmt.Errorf("schemadef: duplicate table %q", td.Name)
		}
		defs[td.Name] = td
	}

	b := &builder{defs: defs, built: map[string]*schema.Table{}}
	for i := range d.Tables {
		if _, err := b.table(d.Tables[i].Name); err != nil {
			return nil, err
		}
	}

	roots := d.Roots
	if len(roots) == 0 {
		embedded := map[string]bool{}
		for _, td := range d.Tables {
			for _, pd := range td.Props {
				if pd.Kind == "table" {
					embedded[pd.Table] = true
				}
			}
		}
		for _, td := range d.Tables {
			if !embedded[td.Name] {
				roots = append(roots, td.Name)
			}
		}
	}
	out := make([]*schema.Table, 0, len(roots))
	for _, name := range roots {
		t, ok := b.built[name]
		if !ok {
			return nil, fmt.Errorf("schemadef: root %q is not defined", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Register builds d and registers its roots with reg.
func (d *Doc) Register(reg *schema.Registry) error {
	roots, err := d.Build()
	if err != nil {
		return err
	}
	return reg.Register(roots...)
}

type builder struct {
	defs  map[string]*TableDef
	built map[string]*schema.Table
}

func (b *builder) table(name string) (*schema.Table, error) {
	if t, ok := b.built[name]; ok {
		return t, nil
	}
	td, ok := b.defs[name]
	if !ok {
		return nil, fmt.Errorf("schemadef: table %q is not defined", name)
	}
	// Register before building props so self references resolve; the
	// flattener reports the cycle.
	t := schema.NewTable(td.Name)
	b.built[name] = t
	for i := range td.Props {
		p, err := b.prop(td.Name, &td.Props[i])
		if err != nil {
			return nil, err
		}
		t.Props = append(t.Props, p)
	}
	return t, nil
}

func (b *builder) prop(table string, pd *PropDef) (*schema.Prop, error) {
	if pd.Exclude != nil {
		return schema.ExcludeProp(pd.Exclude.Table, pd.Exclude.Prop), nil
	}
	kind, ok := schema.ParseKind(pd.Kind)
	if !ok {
		return nil, fmt.Errorf("schemadef: %s.%s: unknown kind %q", table, pd.Name, pd.Kind)
	}
	var flags schema.Flags
	for _, fs := range pd.Flags {
		f, ok := schema.ParseFlag(strings.TrimSpace(fs))
		if !ok {
			return nil, fmt.Errorf("schemadef: %s.%s: unknown flag %q", table, pd.Name, fs)
		}
		flags |= f
	}

	name := pd.Name
	switch kind {
	case schema.KindTable:
		sub, err := b.table(pd.Table)
		if err != nil {
			return nil, fmt.Errorf("schemadef: %s.%s: %w", table, name, err)
		}
		var acc schema.TableFunc
		if !pd.Inline {
			acc = SubObject(name)
		}
		p := schema.TableProp(name, sub, acc)
		p.Flags |= flags
		return p, nil
	case schema.KindArray:
		if pd.Element == nil {
			return nil, fmt.Errorf("schemadef: %s.%s: array without element", table, name)
		}
		elem, err := b.prop(table, pd.Element)
		if err != nil {
			return nil, err
		}
		elem.Get = ElementGetter(name, elem.Kind)
		p := schema.ArrayProp(name, elem, pd.Max, Length(name))
		p.Flags |= flags
		return p, nil
	}
	return &schema.Prop{
		Name:  name,
		Kind:  kind,
		Bits:  pd.Bits,
		Low:   pd.Low,
		High:  pd.High,
		Flags: flags,
		Get:   Getter(name, kind),
	}, nil
}
