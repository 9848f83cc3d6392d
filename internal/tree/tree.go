// Package tree provides the hierarchical resource façade for content trees.
// Nodes are ordered among siblings by a real-valued fractional key, so a
// move or copy computes its new position deterministically without a server
// round trip and without renumbering neighbors.
package tree

import (
	"context"
	"sort"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/resource"
	"github.com/lcwei/shelfsync/internal/store"
)

// Position names where a node lands relative to its target.
type Position string

const (
	FirstChild Position = "first-child"
	LastChild  Position = "last-child"
	LeftOf     Position = "left-of"
	RightOf    Position = "right-of"
)

// Valid reports whether p is one of the four known positions.
func (p Position) Valid() bool {
	switch p {
	case FirstChild, LastChild, LeftOf, RightOf:
		return true
	}
	return false
}

// Tree is the resource façade specialized for hierarchical entities. It
// embeds the flat resource surface and adds move and copy.
type Tree struct {
	*resource.Resource
}

// New wires a Tree over an existing resource and registers it as the
// resource's move replayer, so fetch reconciliation re-applies pending
// moves through the same ordering logic.
func New(res *resource.Resource) *Tree {
	t := &Tree{Resource: res}
	res.SetMoveReplayer(t)
	return t
}

// node loads one tree node by id, or nil when absent.
func (t *Tree) node(tx *store.Tx, id string) (*models.TreeNode, error) {
	row, err := tx.Get(t.Table(), id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	n := models.NodeFromAttrs(row.Obj)
	return &n, nil
}

// children returns the nodes under parent sorted ascending by lft.
func (t *Tree) children(tx *store.Tx, parent string) ([]models.TreeNode, error) {
	rows, err := tx.ByField(t.Table(), "parent", parent)
	if err != nil {
		return nil, err
	}
	nodes := make([]models.TreeNode, len(rows))
	for i, row := range rows {
		nodes[i] = models.NodeFromAttrs(row.Obj)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Lft < nodes[j].Lft })
	return nodes, nil
}

// ResolveParent determines the effective parent of an operation: the target
// itself for child positions, the target's own parent for sibling-relative
// positions. A missing target is an error; nothing has been written yet at
// this point.
func (t *Tree) ResolveParent(tx *store.Tx, target string, position Position) (*models.TreeNode, error) {
	if !position.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidPosition, "unknown position %q", position)
	}
	node, err := t.node(tx, target)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, apperrors.Newf(apperrors.ErrMissingTarget, "target %s does not exist", target)
	}
	switch position {
	case FirstChild, LastChild:
		return node, nil
	default:
		if node.Parent == "" {
			// Sibling of a root: the root itself acts as the boundary.
			return nil, apperrors.Newf(apperrors.ErrMissingTarget, "target %s has no parent", target)
		}
		parent, err := t.node(tx, node.Parent)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, apperrors.Newf(apperrors.ErrMissingTarget, "parent of target %s does not exist", target)
		}
		return parent, nil
	}
}

// NewSortOrder computes the ordering key that places id at the requested
// position among siblings (pre-sorted ascending by lft). The second return
// is false when the node already satisfies the position and the operation is
// a no-op.
//
// New keys are always strictly between two neighbors or strictly beyond an
// edge, so settled siblings never tie. Repeated first-child insertions halve
// toward zero without reaching it; precision over very long reorder runs is
// an accepted limitation.
func NewSortOrder(id, target string, position Position, siblings []models.TreeNode) (float64, bool) {
	if len(siblings) == 0 {
		return 1, true
	}
	switch position {
	case FirstChild:
		if siblings[0].ID == id {
			return 0, false
		}
		return siblings[0].Lft / 2, true
	case LastChild:
		last := siblings[len(siblings)-1]
		if last.ID == id {
			return 0, false
		}
		return last.Lft + 1, true
	case LeftOf:
		ti := indexOf(siblings, target)
		if ti < 0 {
			return 0, false
		}
		if ti > 0 && siblings[ti-1].ID == id {
			return 0, false
		}
		left := 0.0
		if ti > 0 {
			left = siblings[ti-1].Lft
		}
		return (left + siblings[ti].Lft) / 2, true
	case RightOf:
		ti := indexOf(siblings, target)
		if ti < 0 {
			return 0, false
		}
		if ti+1 < len(siblings) && siblings[ti+1].ID == id {
			return 0, false
		}
		right := siblings[ti].Lft + 2
		if ti+1 < len(siblings) {
			right = siblings[ti+1].Lft
		}
		return (siblings[ti].Lft + right) / 2, true
	}
	return 0, false
}

// ensureOutsideSubtree rejects a destination parent that is the node
// itself or lies inside the node's own subtree, which would persist a
// cycle. The ancestor walk tolerates already-broken chains.
func (t *Tree) ensureOutsideSubtree(tx *store.Tx, id string, parent *models.TreeNode) error {
	if parent.ID == id {
		return apperrors.Newf(apperrors.ErrValidation, "cannot place %s under itself", id)
	}
	seen := map[string]bool{parent.ID: true}
	anc := parent
	for anc.Parent != "" && !seen[anc.Parent] {
		if anc.Parent == id {
			return apperrors.Newf(apperrors.ErrValidation, "cannot place %s inside its own subtree", id)
		}
		seen[anc.Parent] = true
		next, err := t.node(tx, anc.Parent)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		anc = next
	}
	return nil
}

func indexOf(siblings []models.TreeNode, id string) int {
	for i, n := range siblings {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Move places the node at the requested position, creating it when it does
// not exist yet (inheriting tree and channel from the parent). The MOVED
// change record captures the old object and the logical destination; the
// server recomputes its own ordering from those, so the raw key is not
// recorded.
func (t *Tree) Move(ctx context.Context, id, target string, position Position) (*models.TreeNode, error) {
	if id == "" || target == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "id and target are required")
	}
	if !position.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidPosition, "unknown position %q", position)
	}

	var moved *models.TreeNode
	err := t.Store().WriteTx(ctx, t.Session().ClientID, []string{t.Table()}, func(tx *store.Tx) error {
		var err error
		moved, _, err = t.applyMove(tx, id, target, position, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// applyMove performs the placement inside tx. When track is false the move
// is a replay and appends no change record. The bool return reports whether
// anything was written.
func (t *Tree) applyMove(tx *store.Tx, id, target string, position Position, track bool) (*models.TreeNode, bool, error) {
	parent, err := t.ResolveParent(tx, target, position)
	if err != nil {
		return nil, false, err
	}
	if err := t.ensureOutsideSubtree(tx, id, parent); err != nil {
		return nil, false, err
	}
	siblings, err := t.children(tx, parent.ID)
	if err != nil {
		return nil, false, err
	}
	lft, ok := NewSortOrder(id, target, position, siblings)
	if !ok {
		node, err := t.node(tx, id)
		return node, false, err
	}

	existing, err := t.node(tx, id)
	if err != nil {
		return nil, false, err
	}
	var node models.TreeNode
	var old models.Attrs
	if existing != nil {
		node = *existing
		old = existing.Attrs()
	} else {
		node = models.TreeNode{ID: id}
	}
	node.Parent = parent.ID
	node.Lft = lft
	node.TreeID = parent.TreeID
	node.ChannelID = parent.ChannelID
	node.Level = parent.Level + 1

	if err := tx.Put(t.Table(), node.Attrs()); err != nil {
		return nil, false, err
	}
	if track {
		if err := t.Tracker().Moved(tx, t.Table(), id, old, target, string(position)); err != nil {
			return nil, false, err
		}
	}
	return &node, true, nil
}

// ReplayMove re-applies a pending move after a fetch has overwritten tree
// position. The write happens under the surrounding fetch-origin
// transaction, so no new change record is produced. A destination that has
// disappeared, or that fetched data has pulled inside the moved node's own
// subtree, is logged and skipped; the pending record itself survives for
// the server to resolve.
func (t *Tree) ReplayMove(tx *store.Tx, rec models.ChangeRecord) error {
	_, _, err := t.applyMove(tx, rec.Key, rec.Target, Position(rec.Position), false)
	if apperrors.Is(err, apperrors.ErrMissingTarget) || apperrors.Is(err, apperrors.ErrValidation) {
		logging.Warn("skipping move replay, target missing", map[string]interface{}{
			"table":  rec.Table,
			"key":    rec.Key,
			"target": rec.Target,
		})
		return nil
	}
	return err
}
