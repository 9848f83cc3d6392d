// Package models provides data model definitions for the shelfsync data layer.
package models

// TreeNode is the typed view of one row of a content tree table. Tree tables
// are stored through the same schemaless tables as every other entity; this
// struct exists so the tree engine does not juggle raw attribute maps.
//
// Lft is a real-valued sibling ordering key: siblings under the same Parent
// are totally ordered by ascending Lft. New positions are always computed
// strictly between two neighbors or strictly beyond an edge, so no two
// settled siblings compare equal.
type TreeNode struct {
	ID        string  `json:"id"`
	Parent    string  `json:"parent,omitempty"`
	Lft       float64 `json:"lft"`
	TreeID    string  `json:"tree_id,omitempty"`
	ChannelID string  `json:"channel_id,omitempty"`
	SourceID  string  `json:"source_id,omitempty"`
	Title     string  `json:"title,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Level     int     `json:"level"`
}

// NodeFromAttrs builds a TreeNode from stored attributes.
func NodeFromAttrs(a Attrs) TreeNode {
	return TreeNode{
		ID:        a.String("id"),
		Parent:    a.String("parent"),
		Lft:       a.Float("lft"),
		TreeID:    a.String("tree_id"),
		ChannelID: a.String("channel_id"),
		SourceID:  a.String("source_id"),
		Title:     a.String("title"),
		Kind:      a.String("kind"),
		Level:     int(a.Float("level")),
	}
}

// Attrs converts the node back to storable attributes.
func (n TreeNode) Attrs() Attrs {
	a := Attrs{
		"id":    n.ID,
		"lft":   n.Lft,
		"level": n.Level,
	}
	if n.Parent != "" {
		a["parent"] = n.Parent
	}
	if n.TreeID != "" {
		a["tree_id"] = n.TreeID
	}
	if n.ChannelID != "" {
		a["channel_id"] = n.ChannelID
	}
	if n.SourceID != "" {
		a["source_id"] = n.SourceID
	}
	if n.Title != "" {
		a["title"] = n.Title
	}
	if n.Kind != "" {
		a["kind"] = n.Kind
	}
	return a
}
