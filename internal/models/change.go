// Package models provides data model definitions for the shelfsync data layer.
package models

// ChangeType identifies the kind of mutation a ChangeRecord captures.
type ChangeType string

const (
	ChangeCreated         ChangeType = "CREATED"
	ChangeUpdated         ChangeType = "UPDATED"
	ChangeDeleted         ChangeType = "DELETED"
	ChangeMoved           ChangeType = "MOVED"
	ChangeCopied          ChangeType = "COPIED"
	ChangeCreatedRelation ChangeType = "CREATED_RELATION"
	ChangeDeletedRelation ChangeType = "DELETED_RELATION"
)

// ChangeRecord is one immutable change-log entry. Records are appended, never
// mutated; Rev is assigned by the store and gives the causal order used for
// merging.
//
// Field usage by type:
//   - CREATED: Mods holds the full created object.
//   - UPDATED: Mods holds the modified fields, OldObj the pre-update object.
//   - DELETED: OldObj holds the deleted object.
//   - MOVED: OldObj holds the pre-move node, Target and Position the logical
//     destination. The raw ordering key is not recorded; both the local
//     replay and the server recompute it from the logical position.
//   - COPIED: FromKey references the origin, Mods the delta applied to the
//     duplicate. The server reconstructs the copy from FromKey, so only the
//     delta is transmitted.
type ChangeRecord struct {
	Rev      int64      `json:"rev"`
	Table    string     `json:"table"`
	Key      string     `json:"key"`
	Type     ChangeType `json:"type"`
	Mods     Attrs      `json:"mods,omitempty"`
	OldObj   Attrs      `json:"oldObj,omitempty"`
	FromKey  string     `json:"from_key,omitempty"`
	Target   string     `json:"target,omitempty"`
	Position string     `json:"position,omitempty"`
	Source   string     `json:"source"`
}

// LocalTo reports whether the record was written by the given client and is
// therefore eligible for sync to the server. Fetch-origin and internal
// bookkeeping writes never re-queue as outgoing changes.
func (c ChangeRecord) LocalTo(clientID string) bool {
	return c.Source == clientID
}
