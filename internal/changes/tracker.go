// Package changes provides change tracking and merging for the local
// change log. The tracker appends immutable records for user-initiated
// mutations; the merger collapses ordered batches into the minimal set of
// effective operations for reconciliation and server replay.
package changes

import (
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
)

// Tracker appends change records for local-origin mutations. Records are
// written inside the same transaction as the data write, so a mutation and
// its change record commit together or not at all.
//
// The tracker only records transactions whose source is this context's
// client id. Fetch-origin writes and internal bookkeeping writes pass
// through untracked.
type Tracker struct {
	session *models.Session
}

// NewTracker creates a Tracker bound to one execution context.
func NewTracker(session *models.Session) *Tracker {
	return &Tracker{session: session}
}

func (t *Tracker) tracked(tx *store.Tx) bool {
	return tx.Source() == t.session.ClientID
}

// Created records a local object creation. The full created object travels
// in mods.
func (t *Tracker) Created(tx *store.Tx, table, key string, obj models.Attrs) error {
	if !t.tracked(tx) {
		return nil
	}
	obj = obj.Clone()
	obj.StripNew()
	return tx.AppendChange(&models.ChangeRecord{
		Table: table,
		Key:   key,
		Type:  models.ChangeCreated,
		Mods:  obj,
	})
}

// Updated records a local attribute update.
func (t *Tracker) Updated(tx *store.Tx, table, key string, mods, old models.Attrs) error {
	if !t.tracked(tx) {
		return nil
	}
	return tx.AppendChange(&models.ChangeRecord{
		Table:  table,
		Key:    key,
		Type:   models.ChangeUpdated,
		Mods:   mods,
		OldObj: old,
	})
}

// Deleted records a local deletion, keeping the deleted object for replay.
func (t *Tracker) Deleted(tx *store.Tx, table, key string, old models.Attrs) error {
	if !t.tracked(tx) {
		return nil
	}
	return tx.AppendChange(&models.ChangeRecord{
		Table:  table,
		Key:    key,
		Type:   models.ChangeDeleted,
		OldObj: old,
	})
}

// Moved records a tree move with its logical destination. The server and the
// fetch reconciliation both recompute ordering from target and position, so
// the raw ordering key is deliberately not captured.
func (t *Tracker) Moved(tx *store.Tx, table, key string, old models.Attrs, target, position string) error {
	if !t.tracked(tx) {
		return nil
	}
	return tx.AppendChange(&models.ChangeRecord{
		Table:    table,
		Key:      key,
		Type:     models.ChangeMoved,
		OldObj:   old,
		Target:   target,
		Position: position,
	})
}

// Copied records a duplication. Only the origin reference and the delta are
// captured; the server reconstructs the copy from the origin.
func (t *Tracker) Copied(tx *store.Tx, table, key, fromKey string, mods models.Attrs) error {
	if !t.tracked(tx) {
		return nil
	}
	return tx.AppendChange(&models.ChangeRecord{
		Table:   table,
		Key:     key,
		Type:    models.ChangeCopied,
		FromKey: fromKey,
		Mods:    mods,
	})
}

// RelationCreated records a new entry in a relation table.
func (t *Tracker) RelationCreated(tx *store.Tx, table, key string, obj models.Attrs) error {
	if !t.tracked(tx) {
		return nil
	}
	return tx.AppendChange(&models.ChangeRecord{
		Table: table,
		Key:   key,
		Type:  models.ChangeCreatedRelation,
		Mods:  obj,
	})
}

// RelationDeleted records a removed relation entry.
func (t *Tracker) RelationDeleted(tx *store.Tx, table, key string, old models.Attrs) error {
	if !t.tracked(tx) {
		return nil
	}
	return tx.AppendChange(&models.ChangeRecord{
		Table:  table,
		Key:    key,
		Type:   models.ChangeDeletedRelation,
		OldObj: old,
	})
}
