package tree

import (
	"context"
	"fmt"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
	"github.com/lcwei/shelfsync/internal/uuid"
)

// copyChunkSize bounds how many descendants one subtree-copy transaction
// traverses per chunk.
const copyChunkSize = 50

// Copy duplicates the node at the requested position relative to target.
// The duplicate gets a new identity and keeps a back-reference to its origin
// in source_id. With deep set, the whole subtree is copied in bounded
// chunks; the returned list always has the copy root first.
func (t *Tree) Copy(ctx context.Context, id, target string, position Position, deep bool) ([]models.TreeNode, error) {
	if id == "" || target == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "id and target are required")
	}
	if !position.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidPosition, "unknown position %q", position)
	}

	var copied []models.TreeNode
	var src *models.TreeNode
	var root models.TreeNode
	err := t.Store().WriteTx(ctx, t.Session().ClientID, []string{t.Table()}, func(tx *store.Tx) error {
		var err error
		src, err = t.node(tx, id)
		if err != nil {
			return err
		}
		if src == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "copy source %s not found", id)
		}
		parent, err := t.ResolveParent(tx, target, position)
		if err != nil {
			return err
		}
		if deep {
			// A deep copy into its own subtree would keep finding the
			// nodes it just wrote.
			if err := t.ensureOutsideSubtree(tx, id, parent); err != nil {
				return err
			}
		}
		siblings, err := t.children(tx, parent.ID)
		if err != nil {
			return err
		}
		newID := uuid.New()
		lft, ok := NewSortOrder(newID, target, position, siblings)
		if !ok {
			// A fresh identity never already occupies the position.
			lft = 1
		}

		root = models.TreeNode{
			ID:        newID,
			Parent:    parent.ID,
			Lft:       lft,
			TreeID:    parent.TreeID,
			ChannelID: parent.ChannelID,
			SourceID:  src.ID,
			Title:     src.Title,
			Kind:      src.Kind,
			Level:     parent.Level + 1,
		}
		if deep {
			// Successive copies of the same origin under one parent get
			// distinguishing labels, counted at copy time.
			n := 0
			for _, sib := range siblings {
				if sib.SourceID == src.ID {
					n++
				}
			}
			root.Title = copyTitle(src.Title, n)
		}

		if err := t.putCopy(tx, root, src.ID); err != nil {
			return err
		}
		copied = append(copied, root)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deep {
		descendants, err := t.copyChildren(ctx, src.ID, root)
		if err != nil {
			return nil, err
		}
		copied = append(copied, descendants...)
	}
	return copied, nil
}

// copyChildren duplicates the subtree under origID beneath newParent,
// breadth first, committing each chunk of duplicates in its own
// transaction so a large subtree never produces one oversized write.
// Relative sibling order is preserved by keeping each child's ordering
// key; the copied sibling set is complete, so no keys collide.
func (t *Tree) copyChildren(ctx context.Context, origID string, newParent models.TreeNode) ([]models.TreeNode, error) {
	type frame struct {
		origID string
		parent models.TreeNode
	}
	var out []models.TreeNode
	queue := []frame{{origID: origID, parent: newParent}}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		var kids []models.TreeNode
		err := t.Store().ReadTx(ctx, func(tx *store.Tx) error {
			var err error
			kids, err = t.children(tx, f.origID)
			return err
		})
		if err != nil {
			return nil, err
		}
		for start := 0; start < len(kids); start += copyChunkSize {
			end := start + copyChunkSize
			if end > len(kids) {
				end = len(kids)
			}
			chunk := kids[start:end]
			err := t.Store().WriteTx(ctx, t.Session().ClientID, []string{t.Table()}, func(tx *store.Tx) error {
				for _, kid := range chunk {
					dup := models.TreeNode{
						ID:        uuid.New(),
						Parent:    f.parent.ID,
						Lft:       kid.Lft,
						TreeID:    f.parent.TreeID,
						ChannelID: f.parent.ChannelID,
						SourceID:  kid.ID,
						Title:     kid.Title,
						Kind:      kid.Kind,
						Level:     f.parent.Level + 1,
					}
					if err := t.putCopy(tx, dup, kid.ID); err != nil {
						return err
					}
					out = append(out, dup)
					queue = append(queue, frame{origID: kid.ID, parent: dup})
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// putCopy persists one duplicate and its COPIED record. Only the delta
// relative to the origin is recorded; the server reconstructs the copy from
// from_key.
func (t *Tree) putCopy(tx *store.Tx, node models.TreeNode, fromKey string) error {
	if err := tx.Put(t.Table(), node.Attrs()); err != nil {
		return err
	}
	mods := models.Attrs{
		"parent": node.Parent,
		"lft":    node.Lft,
	}
	if node.Title != "" {
		mods["title"] = node.Title
	}
	return t.Tracker().Copied(tx, t.Table(), node.ID, fromKey, mods)
}

// copyTitle labels the nth successive copy of one origin under a parent.
func copyTitle(title string, n int) string {
	ordinals := []string{"copy", "second copy", "third copy", "fourth copy", "fifth copy"}
	label := fmt.Sprintf("copy %d", n+1)
	if n < len(ordinals) {
		label = ordinals[n]
	}
	if title == "" {
		return label
	}
	return fmt.Sprintf("%s (%s)", title, label)
}
