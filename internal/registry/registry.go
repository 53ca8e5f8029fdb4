// Package registry maps vertical keys to the static metadata every other
// component depends on: the record table, the entitlement table and key
// field, and the legacy unlock operation name.
//
// A Registry is immutable once built and safe for concurrent use. Lookups
// return copies, so callers cannot mutate shared configuration.
package registry

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/unlockd/internal/domain"
)

// DefaultUnlockParam is the legacy parameter name carrying record ids.
const DefaultUnlockParam = "p_ids"

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Descriptor is the static configuration of one vertical.
type Descriptor struct {
	Key                  string   `json:"key" yaml:"-"`
	Label                string   `json:"label" yaml:"label"`
	RecordTable          string   `json:"record_table" yaml:"record_table"`
	EntitlementTable     string   `json:"entitlement_table" yaml:"entitlement_table"`
	EntitlementKeyField  string   `json:"entitlement_key_field" yaml:"entitlement_key_field"`
	UnlockOperation      string   `json:"unlock_operation" yaml:"unlock_operation"`
	UnlockOperationParam string   `json:"unlock_operation_param" yaml:"unlock_operation_param"`
	UnitCost             int64    `json:"unit_cost,omitempty" yaml:"unit_cost"`
	RestrictedFields     []string `json:"restricted_fields" yaml:"restricted_fields"`
}

// CostPerRecord returns the descriptor's unit cost, or fallback when the
// vertical does not override it.
func (d Descriptor) CostPerRecord(fallback int64) int64 {
	if d.UnitCost > 0 {
		return d.UnitCost
	}
	return fallback
}

// IsRestricted reports whether field is hidden until the record is unlocked.
func (d Descriptor) IsRestricted(field string) bool {
	return slices.Contains(d.RestrictedFields, field)
}

func (d Descriptor) clone() Descriptor {
	d.RestrictedFields = slices.Clone(d.RestrictedFields)
	return d
}

// Registry is an immutable set of descriptors indexed by key and by
// unlock operation.
type Registry struct {
	byKey map[string]Descriptor
	byOp  map[string]string
	keys  []string
}

// New validates descriptors and builds a Registry.
//
// Keys are normalized with domain.NormalizeKey. Keys, record tables,
// entitlement tables and unlock operations must each be unique, and every
// SQL-facing name must be a lower-case identifier.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byKey: make(map[string]Descriptor, len(descs)),
		byOp:  make(map[string]string, len(descs)),
	}
	tables := make(map[string]string, 2*len(descs))

	for _, d := range descs {
		d.Key = domain.NormalizeKey(d.Key)
		if d.UnlockOperationParam == "" {
			d.UnlockOperationParam = DefaultUnlockParam
		}
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, dup := r.byKey[d.Key]; dup {
			return nil, fmt.Errorf("vertical %q: duplicate key", d.Key)
		}
		for _, table := range []string{d.RecordTable, d.EntitlementTable} {
			if owner, dup := tables[table]; dup {
				return nil, fmt.Errorf("vertical %q: table %q already used by %q", d.Key, table, owner)
			}
			tables[table] = d.Key
		}
		if owner, dup := r.byOp[d.UnlockOperation]; dup {
			return nil, fmt.Errorf("vertical %q: unlock operation %q already used by %q", d.Key, d.UnlockOperation, owner)
		}

		r.byKey[d.Key] = d.clone()
		r.byOp[d.UnlockOperation] = d.Key
		r.keys = append(r.keys, d.Key)
	}

	sort.Strings(r.keys)
	return r, nil
}

// reservedTables are owned by the store and cannot back a vertical.
var reservedTables = []string{"ledger_entries", "entitlement_grants"}

func validate(d Descriptor) error {
	if !identPattern.MatchString(d.Key) {
		return fmt.Errorf("vertical %q: key must match %s", d.Key, identPattern)
	}
	if d.Label == "" {
		return fmt.Errorf("vertical %q: label is required", d.Key)
	}
	idents := []struct{ name, value string }{
		{"record_table", d.RecordTable},
		{"entitlement_table", d.EntitlementTable},
		{"entitlement_key_field", d.EntitlementKeyField},
		{"unlock_operation", d.UnlockOperation},
		{"unlock_operation_param", d.UnlockOperationParam},
	}
	for _, id := range idents {
		if !identPattern.MatchString(id.value) {
			return fmt.Errorf("vertical %q: %s %q must match %s", d.Key, id.name, id.value, identPattern)
		}
	}
	for _, table := range []string{d.RecordTable, d.EntitlementTable} {
		if slices.Contains(reservedTables, table) || strings.HasPrefix(table, "sqlite_") {
			return fmt.Errorf("vertical %q: table name %q is reserved", d.Key, table)
		}
	}
	if d.RecordTable == d.EntitlementTable {
		return fmt.Errorf("vertical %q: record_table and entitlement_table must differ", d.Key)
	}
	if d.UnitCost < 0 {
		return fmt.Errorf("vertical %q: unit_cost must not be negative", d.Key)
	}
	for _, f := range d.RestrictedFields {
		if f == "id" {
			return fmt.Errorf("vertical %q: id cannot be a restricted field", d.Key)
		}
	}
	return nil
}

// Lookup returns the descriptor for key.
// Returns an UNKNOWN_VERTICAL error if the key is not registered.
func (r *Registry) Lookup(key string) (Descriptor, error) {
	k := domain.NormalizeKey(key)
	d, ok := r.byKey[k]
	if !ok {
		return Descriptor{}, domain.NewUnknownVertical(k)
	}
	return d.clone(), nil
}

// ByOperation resolves a legacy unlock operation name to its vertical.
func (r *Registry) ByOperation(op string) (Descriptor, error) {
	key, ok := r.byOp[domain.Normalize(op)]
	if !ok {
		return Descriptor{}, &domain.Error{
			Code:    domain.CodeUnknownVertical,
			Message: fmt.Sprintf("no vertical registers unlock operation %q", op),
		}
	}
	return r.byKey[key].clone(), nil
}

// Keys returns registered keys in sorted order.
func (r *Registry) Keys() []string {
	return slices.Clone(r.keys)
}

// All returns every descriptor sorted by key.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.byKey[k].clone())
	}
	return out
}

// Len returns the number of registered verticals.
func (r *Registry) Len() int {
	return len(r.keys)
}
