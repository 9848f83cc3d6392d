package changes

import (
	"github.com/lcwei/shelfsync/internal/models"
)

// Merged groups the effective change per key by change type, giving O(1)
// lookup during reconciliation.
type Merged map[models.ChangeType]map[string]models.ChangeRecord

// Get returns the effective record of the given type for a key.
func (m Merged) Get(typ models.ChangeType, key string) (models.ChangeRecord, bool) {
	rec, ok := m[typ][key]
	return rec, ok
}

// Merge collapses an ordered batch of change records sharing one table into
// the minimal set of effective operations per key, preserving causal order:
//
//   - CREATED followed by UPDATED collapses to a single CREATED whose object
//     carries the updates.
//   - Anything followed by DELETED collapses to DELETED; later non-DELETED
//     records for that key are discarded, since a deleted object cannot be
//     further mutated.
//   - MOVED and COPIED key a different semantic dimension (position and
//     origin, not attributes) and are carried independently; the latest of
//     each survives per key. Relation records behave the same way.
func Merge(records []models.ChangeRecord) Merged {
	out := make(Merged)
	set := func(typ models.ChangeType, key string, rec models.ChangeRecord) {
		if out[typ] == nil {
			out[typ] = make(map[string]models.ChangeRecord)
		}
		out[typ][key] = rec
	}
	drop := func(typ models.ChangeType, key string) {
		delete(out[typ], key)
	}
	deleted := make(map[string]bool)

	for _, rec := range records {
		if deleted[rec.Key] && rec.Type != models.ChangeDeleted {
			continue
		}
		switch rec.Type {
		case models.ChangeCreated:
			set(models.ChangeCreated, rec.Key, rec)
		case models.ChangeUpdated:
			if created, ok := out.Get(models.ChangeCreated, rec.Key); ok {
				created.Mods = created.Mods.Merge(rec.Mods)
				set(models.ChangeCreated, rec.Key, created)
				continue
			}
			if prev, ok := out.Get(models.ChangeUpdated, rec.Key); ok {
				merged := rec
				merged.Mods = prev.Mods.Merge(rec.Mods)
				merged.OldObj = prev.OldObj
				set(models.ChangeUpdated, rec.Key, merged)
				continue
			}
			set(models.ChangeUpdated, rec.Key, rec)
		case models.ChangeDeleted:
			drop(models.ChangeCreated, rec.Key)
			drop(models.ChangeUpdated, rec.Key)
			set(models.ChangeDeleted, rec.Key, rec)
			deleted[rec.Key] = true
		case models.ChangeMoved:
			set(models.ChangeMoved, rec.Key, rec)
		case models.ChangeCopied:
			set(models.ChangeCopied, rec.Key, rec)
		case models.ChangeCreatedRelation:
			set(models.ChangeCreatedRelation, rec.Key, rec)
		case models.ChangeDeletedRelation:
			drop(models.ChangeCreatedRelation, rec.Key)
			set(models.ChangeDeletedRelation, rec.Key, rec)
		}
	}
	return out
}

// Flatten returns the merged records as a flat list. Order across keys is
// unspecified; callers needing replay order should sort by Rev.
func (m Merged) Flatten() []models.ChangeRecord {
	var out []models.ChangeRecord
	for _, byKey := range m {
		for _, rec := range byKey {
			out = append(out, rec)
		}
	}
	return out
}
