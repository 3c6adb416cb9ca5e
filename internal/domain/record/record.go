// Package record defines the schema-less entity model shared by the write-back
// cache and the stores that persist it.
package record

import (
	"encoding/json"
	"fmt"
	"sort"
)

// IDField is the reserved field name carrying a record's identifier.
const IDField = "id"

// Fields is a partial or full set of named field values.
// Values are treated as immutable once stored; callers replace a value rather
// than mutating it in place.
type Fields map[string]any

// Clone returns a shallow copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge overwrites the receiver with every key present in over.
// Keys absent from over are left untouched.
func (f Fields) Merge(over Fields) {
	for k, v := range over {
		f[k] = v
	}
}

// MergeUnder fills in keys from older that the receiver does not already have.
// Values already present in the receiver win.
func (f Fields) MergeUnder(older Fields) {
	for k, v := range older {
		if _, ok := f[k]; !ok {
			f[k] = v
		}
	}
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Record is the full representation of one business object.
type Record struct {
	ID     string
	Fields Fields
}

// New creates a record, copying fields so the caller keeps ownership of its map.
// An "id" key inside fields is ignored; the identifier lives in ID only.
func New(id string, fields Fields) Record {
	f := fields.Clone()
	if f == nil {
		f = Fields{}
	}
	delete(f, IDField)
	return Record{ID: id, Fields: f}
}

// Clone returns a copy that shares no maps with the receiver.
func (r Record) Clone() Record {
	f := r.Fields.Clone()
	if f == nil {
		f = Fields{}
	}
	return Record{ID: r.ID, Fields: f}
}

// Get returns the value of a field.
func (r Record) Get(name string) (any, bool) {
	if name == IDField {
		return r.ID, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// MarshalJSON flattens the record into a single object with an "id" key.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat[IDField] = r.ID
	return json.Marshal(flat)
}

// UnmarshalJSON reads a flat object with a string "id" key.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	rawID, ok := flat[IDField]
	if !ok {
		return fmt.Errorf("record is missing %q", IDField)
	}
	id, ok := rawID.(string)
	if !ok {
		return fmt.Errorf("record %q must be a string, got %T", IDField, rawID)
	}
	*r = New(id, flat)
	return nil
}
