// Package models provides data model definitions for the shelfsync data layer.
package models

// Attrs holds the attributes of a stored record. Records are schemaless at
// this layer; each table declares which fields are indexed.
type Attrs map[string]interface{}

// NewMarker is the transient attribute set on locally created objects that
// have not been persisted yet. It must never be written to storage.
const NewMarker = "__new"

// Clone returns a shallow copy of the attributes.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge returns a copy of a with all entries of mods applied on top.
func (a Attrs) Merge(mods Attrs) Attrs {
	out := a.Clone()
	if out == nil {
		out = make(Attrs, len(mods))
	}
	for k, v := range mods {
		out[k] = v
	}
	return out
}

// StripNew removes the transient new marker in place and reports whether it
// was present.
func (a Attrs) StripNew() bool {
	if _, ok := a[NewMarker]; ok {
		delete(a, NewMarker)
		return true
	}
	return false
}

// String returns the attribute named field as a string, or "" when absent or
// of another type.
func (a Attrs) String(field string) string {
	s, _ := a[field].(string)
	return s
}

// Float returns the attribute named field as a float64. JSON decoding stores
// all numbers as float64, so this covers numeric fields generally.
func (a Attrs) Float(field string) float64 {
	switch v := a[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Session carries the identity of one execution context. It is constructed at
// context start and injected into every component that needs to distinguish
// local writes from fetch-origin or bookkeeping writes.
type Session struct {
	// ClientID is the change-record source for user-initiated mutations
	// made in this context.
	ClientID string
}

// Write sources that are never eligible for sync. Anything else is assumed to
// be a client id.
const (
	// FetchSource marks writes caused by ingesting server data.
	FetchSource = "FETCH_SOURCE"
	// IgnoredSource marks internal bookkeeping writes.
	IgnoredSource = "IGNORED_SOURCE"
)
