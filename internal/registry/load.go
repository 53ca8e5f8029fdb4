package registry

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

//go:embed verticals.cue
var defaultsCUE []byte

// LoadError reports a problem in a registry file, with a CUE position when
// one is available.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the registry of built-in verticals.
func Default() (*Registry, error) {
	descs, err := ParseCUE("verticals.cue", defaultsCUE)
	if err != nil {
		return nil, fmt.Errorf("default registry: %w", err)
	}
	return New(descs...)
}

// MustDefault is like Default but panics on error.
// The built-in registry is covered by tests, so this only fails on a broken build.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load reads a registry file. ".cue" files are unified with the built-in
// schema; ".yaml" and ".yml" files are decoded directly. Both are validated
// by New.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var descs []Descriptor
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		descs, err = ParseCUE(path, data)
	case ".yaml", ".yml":
		descs, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("registry %s: unsupported extension (want .cue, .yaml or .yml)", path)
	}
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("registry %s: no verticals defined", path)
	}
	return New(descs...)
}

// ParseCUE compiles src against the descriptor schema and extracts every
// entry under the top-level "vertical" struct.
func ParseCUE(filename string, src []byte) ([]Descriptor, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	data := ctx.CompileBytes(src, cue.Filename(filename))
	if err := data.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	value := schema.Unify(data)
	if err := value.Validate(); err != nil {
		return nil, formatCUEError(err)
	}

	verticals := value.LookupPath(cue.ParsePath("vertical"))
	if !verticals.Exists() {
		return nil, &LoadError{Field: "vertical", Message: "no vertical struct defined", Pos: value.Pos()}
	}

	iter, err := verticals.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var descs []Descriptor
	for iter.Next() {
		d, err := parseVertical(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func parseVertical(key string, v cue.Value) (Descriptor, error) {
	d := Descriptor{Key: key}

	fields := []struct {
		name string
		dst  *string
	}{
		{"label", &d.Label},
		{"record_table", &d.RecordTable},
		{"entitlement_table", &d.EntitlementTable},
		{"entitlement_key_field", &d.EntitlementKeyField},
		{"unlock_operation", &d.UnlockOperation},
		{"unlock_operation_param", &d.UnlockOperationParam},
	}
	for _, f := range fields {
		s, err := lookupString(v, f.name)
		if err != nil {
			return Descriptor{}, err
		}
		*f.dst = s
	}

	cost := concrete(v.LookupPath(cue.ParsePath("unit_cost")))
	if cost.Exists() && cost.IsConcrete() {
		n, err := cost.Int64()
		if err != nil {
			return Descriptor{}, formatCUEError(err)
		}
		d.UnitCost = n
	}

	restricted := concrete(v.LookupPath(cue.ParsePath("restricted_fields")))
	if restricted.Exists() {
		list, err := restricted.List()
		if err != nil {
			return Descriptor{}, formatCUEError(err)
		}
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return Descriptor{}, formatCUEError(err)
			}
			d.RestrictedFields = append(d.RestrictedFields, s)
		}
	}

	return d, nil
}

func lookupString(v cue.Value, field string) (string, error) {
	f := concrete(v.LookupPath(cue.ParsePath(field)))
	if !f.Exists() {
		return "", &LoadError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// concrete resolves a disjunction to its default, if it has one.
func concrete(v cue.Value) cue.Value {
	if d, ok := v.Default(); ok {
		return d
	}
	return v
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &LoadError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

// yamlFile is the YAML registry layout: a map keyed by vertical key.
type yamlFile struct {
	Verticals map[string]Descriptor `yaml:"verticals"`
}

// ParseYAML decodes a YAML registry document.
func ParseYAML(src []byte) ([]Descriptor, error) {
	var f yamlFile
	if err := yaml.Unmarshal(src, &f); err != nil {
		return nil, fmt.Errorf("parse registry yaml: %w", err)
	}

	descs := make([]Descriptor, 0, len(f.Verticals))
	for key, d := range f.Verticals {
		d.Key = key
		descs = append(descs, d)
	}
	return descs, nil
}
